package service

import (
	"fmt"

	"github.com/bogem/id3v2"
)

// TrackTags is the metadata written into a downloaded mp3.
type TrackTags struct {
	Title  string
	Artist string
	Album  string
	Cover  []byte // jpeg, optional
	Lyrics string // optional
}

// WriteTags replaces the ID3v2 tag of the mp3 at path.
func WriteTags(path string, tags TrackTags) error {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("id3 open error: %w", err)
	}
	defer tag.Close()

	tag.SetDefaultEncoding(id3v2.EncodingUTF8)
	tag.SetTitle(tags.Title)
	tag.SetArtist(tags.Artist)
	if tags.Album != "" {
		tag.SetAlbum(tags.Album)
	}
	if len(tags.Cover) > 0 {
		tag.AddAttachedPicture(id3v2.PictureFrame{
			Encoding:    id3v2.EncodingUTF8,
			MimeType:    "image/jpeg",
			PictureType: id3v2.PTFrontCover,
			Description: "Cover",
			Picture:     tags.Cover,
		})
	}
	if tags.Lyrics != "" {
		tag.AddUnsynchronisedLyricsFrame(id3v2.UnsynchronisedLyricsFrame{
			Encoding:          id3v2.EncodingUTF8,
			Language:          "rus",
			ContentDescriptor: "",
			Lyrics:            tags.Lyrics,
		})
	}
	return tag.Save()
}
