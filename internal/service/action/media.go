package action

import (
	"fmt"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	oauthadapter "github.com/rayonlabs/squad-api/internal/adapter/oauth"
	"github.com/rayonlabs/squad-api/internal/domain"
	domainoauth "github.com/rayonlabs/squad-api/internal/domain/oauth"
)

// Upload size limits per media category.
const (
	MaxImageBytes = 5 << 20
	MaxGIFBytes   = 15 << 20
	MaxVideoBytes = 512 << 20
)

var allowedMedia = map[string]domain.MediaCategory{
	"image/jpeg":    domain.MediaCategoryImage,
	"image/jpg":     domain.MediaCategoryImage,
	"image/png":     domain.MediaCategoryImage,
	"image/webp":    domain.MediaCategoryImage,
	"image/tiff":    domain.MediaCategoryImage,
	"image/bmp":     domain.MediaCategoryImage,
	"image/svg+xml": domain.MediaCategoryImage,
	"image/gif":     domain.MediaCategoryGIF,
	"video/mp4":     domain.MediaCategoryVideo,
}

var sizeLimits = map[domain.MediaCategory]int{
	domain.MediaCategoryImage: MaxImageBytes,
	domain.MediaCategoryGIF:   MaxGIFBytes,
	domain.MediaCategoryVideo: MaxVideoBytes,
}

type inspectedMedia struct {
	data        []byte
	contentType string
	category    domain.MediaCategory
}

func (m *inspectedMedia) input() oauthadapter.MediaInput {
	return oauthadapter.MediaInput{Data: m.data, ContentType: m.contentType, Category: m.category}
}

func (m *inspectedMedia) isVideo() bool {
	return m.category == domain.MediaCategoryVideo
}

// inspectMedia applies the type allow-list and size limits. The sniffed type
// wins over the declared one unless sniffing is inconclusive.
func inspectMedia(media domain.Media) (*inspectedMedia, error) {
	if len(media.Data) == 0 {
		return nil, fmt.Errorf("%w: media is empty", domainoauth.ErrInvalidRequest)
	}

	contentType := baseType(mimetype.Detect(media.Data).String())
	if contentType == "" || contentType == "application/octet-stream" {
		if declared := baseType(media.ContentType); declared != "" {
			contentType = declared
		}
	}

	category, ok := allowedMedia[contentType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domainoauth.ErrUnsupportedMediaType, contentType)
	}
	if limit := sizeLimits[category]; len(media.Data) > limit {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d for %s", domainoauth.ErrMediaTooLarge, len(media.Data), limit, contentType)
	}
	return &inspectedMedia{data: media.Data, contentType: contentType, category: category}, nil
}

func baseType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		return parsed
	}
	return strings.ToLower(contentType)
}
