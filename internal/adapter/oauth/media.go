package oauth

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"

	domainoauth "github.com/rayonlabs/squad-api/internal/domain/oauth"
)

// MediaChunkSize is the APPEND segment size.
const MediaChunkSize = 5 << 20

// Media processing states reported to callers.
const (
	MediaStatusCompleted  = "completed"
	MediaStatusProcessing = "processing"
)

type uploadResponse struct {
	MediaIDString string          `json:"media_id_string"`
	Data          *uploadData     `json:"data"`
	Processing    *processingInfo `json:"processing_info"`
}

type uploadData struct {
	ID         string          `json:"id"`
	Processing *processingInfo `json:"processing_info"`
}

type processingInfo struct {
	State string `json:"state"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (r uploadResponse) mediaID() string {
	if r.Data != nil && r.Data.ID != "" {
		return r.Data.ID
	}
	return r.MediaIDString
}

func (r uploadResponse) processing() *processingInfo {
	if r.Data != nil && r.Data.Processing != nil {
		return r.Data.Processing
	}
	return r.Processing
}

// UploadMedia runs the chunked INIT/APPEND/FINALIZE upload.
func (c *HTTPProviderClient) UploadMedia(ctx context.Context, accessToken string, in MediaInput) (MediaUpload, error) {
	if len(in.Data) == 0 {
		return MediaUpload{}, fmt.Errorf("%w: empty media", domainoauth.ErrInvalidRequest)
	}

	initResp, err := c.uploadCommand(ctx, "media init", accessToken, [][2]string{
		{"command", "INIT"},
		{"total_bytes", strconv.Itoa(len(in.Data))},
		{"media_type", in.ContentType},
		{"media_category", string(in.Category)},
	}, nil)
	if err != nil {
		return MediaUpload{}, err
	}
	mediaID := initResp.mediaID()
	if mediaID == "" {
		return MediaUpload{}, domainoauth.NewProviderError(domainoauth.ErrActionRejected, "media init", http.StatusOK, "response missing media id")
	}

	for index, offset := 0, 0; offset < len(in.Data); index, offset = index+1, offset+MediaChunkSize {
		end := min(offset+MediaChunkSize, len(in.Data))
		_, err := c.uploadCommand(ctx, "media append", accessToken, [][2]string{
			{"command", "APPEND"},
			{"media_id", mediaID},
			{"segment_index", strconv.Itoa(index)},
		}, in.Data[offset:end])
		if err != nil {
			return MediaUpload{}, err
		}
	}

	finalResp, err := c.uploadCommand(ctx, "media finalize", accessToken, [][2]string{
		{"command", "FINALIZE"},
		{"media_id", mediaID},
	}, nil)
	if err != nil {
		return MediaUpload{}, err
	}

	status := MediaStatusCompleted
	if info := finalResp.processing(); info != nil {
		switch info.State {
		case "pending", "in_progress":
			status = MediaStatusProcessing
		case "failed":
			detail := "media processing failed"
			if info.Error != nil && info.Error.Message != "" {
				detail = info.Error.Message
			}
			return MediaUpload{}, domainoauth.NewProviderError(domainoauth.ErrActionRejected, "media finalize", http.StatusOK, detail)
		}
	}
	return MediaUpload{MediaID: mediaID, Status: status}, nil
}

func (c *HTTPProviderClient) uploadCommand(ctx context.Context, op, accessToken string, fields [][2]string, chunk []byte) (uploadResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return uploadResponse{}, fmt.Errorf("encode %s: %w", op, err)
		}
	}
	if chunk != nil {
		part, err := mw.CreateFormFile("media", "blob")
		if err != nil {
			return uploadResponse{}, fmt.Errorf("encode %s: %w", op, err)
		}
		if _, err := part.Write(chunk); err != nil {
			return uploadResponse{}, fmt.Errorf("encode %s: %w", op, err)
		}
	}
	if err := mw.Close(); err != nil {
		return uploadResponse{}, fmt.Errorf("encode %s: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.UploadURL, &buf)
	if err != nil {
		return uploadResponse{}, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out uploadResponse
	if err := c.do(req, op, &out); err != nil {
		return uploadResponse{}, err
	}
	return out, nil
}
