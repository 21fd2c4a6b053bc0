// Package images - image sources, decoding and letterbox geometry for
// detection model preprocessing.
package images

import (
	"bytes"
	"image"

	// Register the stdlib decoders used by Decode.
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"

	"github.com/chai2010/webp"
	"github.com/pkg/errors"

	// BMP and TIFF come from golang.org/x/image.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// Sentinel errors for image loading. Callers match with errors.Is.
var (
	// ErrNotFound indicates the image file does not exist.
	ErrNotFound = errors.New("image file not found")
	// ErrInvalidImage indicates an undecodable payload or a zero-dimension image.
	ErrInvalidImage = errors.New("invalid image")
)

// Source yields decoded pixels. All variants produce identical pixel data for
// the same underlying image, so the rest of the pipeline never cares where an
// image came from.
type Source interface {
	Decode() (image.Image, error)
}

// fileSource reads and decodes an image file from disk.
type fileSource struct{ path string }

// bytesSource decodes raw encoded bytes.
type bytesSource struct{ data []byte }

// readerSource decodes an encoded byte stream.
type readerSource struct{ r io.Reader }

// rawSource wraps an already-decoded image.
type rawSource struct{ img image.Image }

// File returns a Source backed by a file path.
//
// Arguments:
//   - path: Path to an encoded image file.
//
// Returns:
//   - Source: The file-backed source.
func File(path string) Source { return fileSource{path: path} }

// Bytes returns a Source backed by raw encoded bytes.
func Bytes(data []byte) Source { return bytesSource{data: data} }

// Reader returns a Source backed by an encoded byte stream.
func Reader(r io.Reader) Source { return readerSource{r: r} }

// Raw returns a Source wrapping an already-decoded image.
func Raw(img image.Image) Source { return rawSource{img: img} }

func (s fileSource) Decode() (image.Image, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrNotFound, s.path)
		}
		return nil, errors.Wrapf(err, "opening image %s", s.path)
	}
	defer f.Close()
	return decode(f)
}

func (s bytesSource) Decode() (image.Image, error) {
	return decode(bytes.NewReader(s.data))
}

func (s readerSource) Decode() (image.Image, error) {
	return decode(s.r)
}

func (s rawSource) Decode() (image.Image, error) {
	if s.img == nil {
		return nil, errors.Wrap(ErrInvalidImage, "nil image")
	}
	return validate(s.img)
}

// decode sniffs the codec from the stream and rejects empty images. WEBP is
// registered by the chai2010/webp import; BMP and TIFF by golang.org/x/image.
func decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidImage, err.Error())
	}
	return validate(img)
}

func validate(img image.Image) (image.Image, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errors.Wrapf(ErrInvalidImage, "zero-dimension image %dx%d", b.Dx(), b.Dy())
	}
	return img, nil
}

// Encode serializes an image into the named format. Annotated detection
// output goes through here on its way back to the caller.
//
// Arguments:
//   - img: The image to encode.
//   - format: One of "jpeg", "png", "webp".
//
// Returns:
//   - []byte: The encoded bytes.
//   - error: An error if the format is unknown or encoding fails.
func Encode(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case "jpeg", "jpg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	case "png":
		err = png.Encode(&buf, img)
	case "webp":
		err = webp.Encode(&buf, img, &webp.Options{Quality: 90})
	default:
		return nil, errors.Errorf("unknown encode format %q", format)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s", format)
	}
	return buf.Bytes(), nil
}
