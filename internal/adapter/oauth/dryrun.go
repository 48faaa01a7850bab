package oauth

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

// DryRunClient forwards authorization calls to the wrapped client and
// answers social actions locally with synthetic IDs.
type DryRunClient struct {
	ProviderClient
	node   *snowflake.Node
	logger *zap.Logger
}

var _ ProviderClient = (*DryRunClient)(nil)

// NewDryRunClient wraps inner so no action reaches X.
func NewDryRunClient(inner ProviderClient, node *snowflake.Node, logger *zap.Logger) *DryRunClient {
	if logger == nil {
		logger = zap.L()
	}
	return &DryRunClient{ProviderClient: inner, node: node, logger: logger.Named("x.dryrun")}
}

func (d *DryRunClient) PostContent(_ context.Context, _ string, in PostInput) (string, error) {
	id := d.node.Generate().String()
	d.logger.Info("dry run post",
		zap.String("post_id", id),
		zap.Int("text_len", len(in.Text)),
		zap.Strings("media_ids", in.MediaIDs),
		zap.String("in_reply_to", in.InReplyTo),
		zap.String("quote_of", in.QuoteOf),
	)
	return id, nil
}

func (d *DryRunClient) UploadMedia(_ context.Context, _ string, in MediaInput) (MediaUpload, error) {
	id := d.node.Generate().String()
	d.logger.Info("dry run media upload",
		zap.String("media_id", id),
		zap.String("content_type", in.ContentType),
		zap.Int("bytes", len(in.Data)),
	)
	return MediaUpload{MediaID: id, Status: MediaStatusCompleted}, nil
}

func (d *DryRunClient) Follow(_ context.Context, _, sourceUserID, targetUserID string) (bool, error) {
	d.logger.Info("dry run follow", zap.String("source_user_id", sourceUserID), zap.String("target_user_id", targetUserID))
	return true, nil
}

func (d *DryRunClient) Like(_ context.Context, _, sourceUserID, postID string) (bool, error) {
	d.logger.Info("dry run like", zap.String("source_user_id", sourceUserID), zap.String("post_id", postID))
	return true, nil
}

func (d *DryRunClient) Retweet(_ context.Context, _, sourceUserID, postID string) (bool, error) {
	d.logger.Info("dry run retweet", zap.String("source_user_id", sourceUserID), zap.String("post_id", postID))
	return true, nil
}
