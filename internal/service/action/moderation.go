package action

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rayonlabs/squad-api/internal/config"
	domainoauth "github.com/rayonlabs/squad-api/internal/domain/oauth"
	"github.com/rayonlabs/squad-api/internal/metrics"
)

// moderate runs the text and image classifiers concurrently. Any rejection
// stops the action before a token is fetched.
func (g *gateway) moderate(ctx context.Context, text string, media *inspectedMedia) error {
	if media != nil && media.isVideo() {
		if err := g.videoPolicy(); err != nil {
			return err
		}
	}

	var (
		hateful bool
		nsfw    bool
	)
	eg, egCtx := errgroup.WithContext(ctx)

	if text != "" {
		eg.Go(func() error {
			flagged, err := g.text.ContainsHateSpeech(egCtx, text)
			if err != nil {
				return g.classifierFailure("text", err)
			}
			hateful = flagged
			return nil
		})
	}

	if media != nil && !media.isVideo() {
		eg.Go(func() error {
			flagged, err := g.images.ContainsNSFW(egCtx, media.data)
			if err != nil {
				return g.classifierFailure("image", err)
			}
			nsfw = flagged
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}

	if text != "" {
		metrics.ModerationVerdictsTotal.WithLabelValues("text", verdict(hateful)).Inc()
	}
	if media != nil && !media.isVideo() {
		metrics.ModerationVerdictsTotal.WithLabelValues("image", verdict(nsfw)).Inc()
	}

	switch {
	case hateful:
		return fmt.Errorf("%w: text classified as hate speech", domainoauth.ErrModerationRejected)
	case nsfw:
		return fmt.Errorf("%w: media classified as nsfw", domainoauth.ErrModerationRejected)
	}
	return nil
}

func (g *gateway) classifierFailure(content string, err error) error {
	if g.cfg.ModerationFailOpen {
		metrics.ModerationVerdictsTotal.WithLabelValues(content, "unchecked").Inc()
		g.log().Warn("moderation classifier unavailable, failing open", zap.String("content", content), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%w: %s: %v", domainoauth.ErrModerationUnavailable, content, err)
}

// videoPolicy applies the configured handling for unmoderated video.
func (g *gateway) videoPolicy() error {
	metrics.ModerationVerdictsTotal.WithLabelValues("video", "unchecked").Inc()
	if g.cfg.VideoModerationPolicy == config.VideoModerationReject {
		return fmt.Errorf("%w: video uploads are disabled until video moderation exists", domainoauth.ErrUnsupportedVideoModeration)
	}
	g.log().Warn("video media accepted without moderation", zap.Error(domainoauth.ErrUnsupportedVideoModeration))
	return nil
}

func verdict(flagged bool) string {
	if flagged {
		return "rejected"
	}
	return "accepted"
}
