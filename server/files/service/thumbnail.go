package service

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path"
	"strings"

	"github.com/disintegration/imaging"
)

const (
	thumbnailWidth  = 320
	thumbnailHeight = 320
)

func isImage(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/")
}

// thumbnailPath places the thumbnail next to its object.
func thumbnailPath(objectPath string) string {
	ext := path.Ext(objectPath)
	return strings.TrimSuffix(objectPath, ext) + "_thumb.jpg"
}

func makeThumbnail(src io.Reader) ([]byte, error) {
	img, _, err := image.Decode(src)
	if err != nil {
		return nil, err
	}
	thumb := imaging.Thumbnail(img, thumbnailWidth, thumbnailHeight, imaging.Lanczos)
	buf := bytes.NewBuffer(nil)
	if err := imaging.Encode(buf, thumb, imaging.JPEG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
