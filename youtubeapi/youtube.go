// Package youtubeapi wraps Google OAuth2 client config and the YouTube Data
// API for posting comment replies and syncing comment threads. Per-channel
// refresh tokens are persisted via the provided CredentialStore so the drip
// worker and the token refresher share one credential of record.
package youtubeapi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/replyflow/config"
)

// CredentialStore persists per-channel OAuth credentials.
type CredentialStore interface {
	GetChannelCredential(ctx context.Context, channelID string) (refreshToken string, err error)
	UpsertChannelCredential(ctx context.Context, channelID, refreshToken, accessToken string, expiry time.Time) error
}

// Service holds the OAuth2 app config and the credential store.
type Service struct {
	cfg   *config.Config
	creds CredentialStore
	oauth *oauth2.Config
}

func New(cfg *config.Config, creds CredentialStore) *Service {
	scopes := []string{"https://www.googleapis.com/auth/youtube.force-ssl"}
	if cfg.GoogleScopes != "" {
		// allow comma or space separated
		s := strings.ReplaceAll(cfg.GoogleScopes, ",", " ")
		if fields := strings.Fields(s); len(fields) > 0 {
			scopes = fields
		}
	}
	oauth := &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.GoogleRedirectURI,
		Scopes:       scopes,
	}
	return &Service{cfg: cfg, creds: creds, oauth: oauth}
}

// AuthCodeURL returns the consent URL for the linking flow. Offline access
// plus forced approval guarantees a refresh token on every relink.
func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange swaps an authorization code for tokens.
func (s *Service) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("oauth exchange: %w", err)
	}
	return tok, nil
}

// FetchOwnChannel resolves the channel the freshly-issued token belongs to.
// Called during linking, before any credential is stored.
func (s *Service) FetchOwnChannel(ctx context.Context, tok *oauth2.Token) (id, title string, err error) {
	client := s.oauth.Client(ctx, tok)
	svc, err := yt.New(client)
	if err != nil {
		return "", "", fmt.Errorf("build youtube client: %w", err)
	}
	res, err := svc.Channels.List([]string{"snippet"}).Mine(true).Context(ctx).Do()
	if err != nil {
		return "", "", fmt.Errorf("fetch own channel: %w", err)
	}
	if len(res.Items) == 0 {
		return "", "", fmt.Errorf("token grants no channel")
	}
	ch := res.Items[0]
	return ch.Id, ch.Snippet.Title, nil
}

// clientFor builds an authenticated client from the channel's stored refresh
// token. The token source mints access tokens on demand.
func (s *Service) clientFor(ctx context.Context, channelID string) (*yt.Service, error) {
	refresh, err := s.creds.GetChannelCredential(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("load credential for channel %s: %w", channelID, err)
	}
	if refresh == "" {
		return nil, fmt.Errorf("channel %s: %w", channelID, ErrNoCredential)
	}
	ts := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh})
	return yt.New(oauth2.NewClient(ctx, ts))
}

// PostReply publishes a reply under the given parent comment and returns the
// new comment's id. Errors should be passed through Classify by the caller.
func (s *Service) PostReply(ctx context.Context, channelID, parentCommentID, text string) (string, error) {
	svc, err := s.clientFor(ctx, channelID)
	if err != nil {
		return "", err
	}
	comment := &yt.Comment{Snippet: &yt.CommentSnippet{
		ParentId:     parentCommentID,
		TextOriginal: text,
	}}
	res, err := svc.Comments.Insert([]string{"snippet"}, comment).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("post reply to %s: %w", parentCommentID, err)
	}
	if res.Id == "" {
		return "", fmt.Errorf("post reply to %s: empty id in response", parentCommentID)
	}
	return res.Id, nil
}

// CommentThread is one top-level comment pulled during sync.
type CommentThread struct {
	CommentID   string
	VideoID     string
	Author      string
	Text        string
	PublishedAt time.Time
}

// ListCommentThreads pages through top-level comments on the channel's
// videos. Returns the threads plus the next page token ("" when done).
func (s *Service) ListCommentThreads(ctx context.Context, channelID, pageToken string) ([]CommentThread, string, error) {
	svc, err := s.clientFor(ctx, channelID)
	if err != nil {
		return nil, "", err
	}
	call := svc.CommentThreads.List([]string{"snippet"}).
		AllThreadsRelatedToChannelId(channelID).
		TextFormat("plainText").
		MaxResults(100).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Do()
	if err != nil {
		return nil, "", fmt.Errorf("list comment threads for %s: %w", channelID, err)
	}
	threads := make([]CommentThread, 0, len(res.Items))
	for _, item := range res.Items {
		top := item.Snippet.TopLevelComment
		if top == nil || top.Snippet == nil {
			continue
		}
		published, _ := time.Parse(time.RFC3339, top.Snippet.PublishedAt)
		threads = append(threads, CommentThread{
			CommentID:   top.Id,
			VideoID:     item.Snippet.VideoId,
			Author:      top.Snippet.AuthorDisplayName,
			Text:        top.Snippet.TextDisplay,
			PublishedAt: published,
		})
	}
	return threads, res.NextPageToken, nil
}

// RefreshChannelToken forces an access-token mint for the channel and stores
// the result, keeping the persisted expiry fresh for observability.
func (s *Service) RefreshChannelToken(ctx context.Context, channelID string) error {
	refresh, err := s.creds.GetChannelCredential(ctx, channelID)
	if err != nil {
		return fmt.Errorf("load credential for channel %s: %w", channelID, err)
	}
	if refresh == "" {
		return fmt.Errorf("channel %s: %w", channelID, ErrNoCredential)
	}
	tok, err := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		return fmt.Errorf("refresh token for channel %s: %w", channelID, err)
	}
	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = refresh
	}
	return s.creds.UpsertChannelCredential(ctx, channelID, newRefresh, tok.AccessToken, tok.Expiry)
}
