package domain

// ActionKind enumerates outbound social actions.
type ActionKind string

const (
	ActionPost    ActionKind = "post"
	ActionMedia   ActionKind = "media"
	ActionFollow  ActionKind = "follow"
	ActionLike    ActionKind = "like"
	ActionRetweet ActionKind = "retweet"
	ActionQuote   ActionKind = "quote"
)

// MediaCategory is the upload category X expects for a content type.
type MediaCategory string

const (
	MediaCategoryImage MediaCategory = "tweet_image"
	MediaCategoryGIF   MediaCategory = "tweet_gif"
	MediaCategoryVideo MediaCategory = "tweet_video"
)

// Media is an attachment supplied by the caller.
type Media struct {
	Data        []byte
	ContentType string
	Filename    string
}

// ActionRequest is a tagged variant over the outbound actions. Which fields
// are meaningful depends on Kind.
type ActionRequest struct {
	Kind      ActionKind
	Text      string
	InReplyTo string
	TargetID  string
	MediaIDs  []string
	Media     *Media
}

// ActionResult reports what the provider returned for an action.
type ActionResult struct {
	Kind    ActionKind `json:"-"`
	PostID  string     `json:"post_id,omitempty"`
	MediaID string     `json:"media_id,omitempty"`
	// MediaStatus is "completed" or "processing" for uploads.
	MediaStatus string `json:"status,omitempty"`
	// State is the provider's boolean confirmation (following/liked/retweeted).
	State bool `json:"-"`
}
