// Package catalog wraps the YouTube Data API as the song search provider.
// Queries are biased toward the karaoke vocabulary and every outbound call
// passes the shared rate limiter first.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/karaoke-room-system/pkg/apperrors"
)

const (
	defaultBaseURL    = "https://www.googleapis.com/youtube/v3"
	defaultMaxResults = 10
	searchQualifier   = "karaoke"
	requestTimeout    = 10 * time.Second
)

// Candidate is one normalized search result.
type Candidate struct {
	ExternalID      string `json:"external_id"`
	Title           string `json:"title"`
	UploaderLabel   string `json:"uploader_label"`
	ThumbnailURL    string `json:"thumbnail_url"`
	DurationDisplay string `json:"duration_display"`
}

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
	log        zerolog.Logger
}

func NewClient(apiKey string, limiter *RateLimiter, log zerolog.Logger) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		limiter:    limiter,
		log:        log.With().Str("component", "catalog").Logger(),
	}
}

type searchResponse struct {
	Items []struct {
		ID struct {
			VideoID string `json:"videoId"`
		} `json:"id"`
		Snippet struct {
			Title        string `json:"title"`
			ChannelTitle string `json:"channelTitle"`
			Thumbnails   struct {
				Medium struct {
					URL string `json:"url"`
				} `json:"medium"`
			} `json:"thumbnails"`
		} `json:"snippet"`
	} `json:"items"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type videosResponse struct {
	Items []struct {
		ID             string `json:"id"`
		ContentDetails struct {
			Duration string `json:"duration"`
		} `json:"contentDetails"`
	} `json:"items"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Search returns up to maxResults candidates for a participant query. The
// fixed qualifier term is appended unless the query already carries it.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]Candidate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperrors.ErrInvalidArgument.WithMessage("Search query is required")
	}
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	allowed, err := c.limiter.Allow(ctx)
	if err != nil {
		return nil, apperrors.ErrUpstreamUnavailable.WithError(err)
	}
	if !allowed {
		return nil, apperrors.ErrRateLimited.WithMessage("Search quota exceeded, try again shortly")
	}

	biased := query
	if !strings.Contains(strings.ToLower(query), searchQualifier) {
		biased = query + " " + searchQualifier
	}

	params := url.Values{}
	params.Set("part", "snippet")
	params.Set("type", "video")
	params.Set("q", biased)
	params.Set("maxResults", strconv.Itoa(maxResults))
	params.Set("videoEmbeddable", "true")
	params.Set("videoSyndicated", "true")
	params.Set("key", c.apiKey)

	var search searchResponse
	if err := c.get(ctx, "/search", params, &search); err != nil {
		return nil, err
	}
	if search.Error != nil {
		return nil, apperrors.ErrUpstreamUnavailable.WithMessage(search.Error.Message)
	}
	if len(search.Items) == 0 {
		return []Candidate{}, nil
	}

	ids := make([]string, 0, len(search.Items))
	for _, item := range search.Items {
		ids = append(ids, item.ID.VideoID)
	}

	durations, err := c.fetchDurations(ctx, ids)
	if err != nil {
		// Durations are cosmetic; results without them beat no results.
		c.log.Warn().Err(err).Msg("duration lookup failed")
		durations = map[string]string{}
	}

	candidates := make([]Candidate, 0, len(search.Items))
	for _, item := range search.Items {
		display := durations[item.ID.VideoID]
		if display == "" {
			display = "0:00"
		}
		candidates = append(candidates, Candidate{
			ExternalID:      item.ID.VideoID,
			Title:           item.Snippet.Title,
			UploaderLabel:   item.Snippet.ChannelTitle,
			ThumbnailURL:    item.Snippet.Thumbnails.Medium.URL,
			DurationDisplay: display,
		})
	}
	return candidates, nil
}

func (c *Client) fetchDurations(ctx context.Context, videoIDs []string) (map[string]string, error) {
	params := url.Values{}
	params.Set("part", "contentDetails")
	params.Set("id", strings.Join(videoIDs, ","))
	params.Set("key", c.apiKey)

	var videos videosResponse
	if err := c.get(ctx, "/videos", params, &videos); err != nil {
		return nil, err
	}
	if videos.Error != nil {
		return nil, apperrors.ErrUpstreamUnavailable.WithMessage(videos.Error.Message)
	}

	durations := make(map[string]string, len(videos.Items))
	for _, item := range videos.Items {
		durations[item.ID] = formatISODuration(item.ContentDetails.Duration)
	}
	return durations, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return apperrors.ErrUpstreamUnavailable.WithError(err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.ErrUpstreamUnavailable.WithError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return apperrors.ErrRateLimited.WithMessage("Search provider quota exceeded")
	}
	if resp.StatusCode != http.StatusOK {
		return apperrors.ErrUpstreamUnavailable.WithMessagef("search provider returned %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.ErrUpstreamUnavailable.WithError(err)
	}
	return nil
}

// formatISODuration renders an ISO 8601 duration ("PT1H2M3S") as a display
// string ("1:02:03"). Malformed input falls back to "0:00".
func formatISODuration(iso string) string {
	rest, ok := strings.CutPrefix(iso, "PT")
	if !ok {
		return "0:00"
	}

	var hours, minutes, seconds int
	num := ""
	for _, r := range rest {
		switch {
		case r >= '0' && r <= '9':
			num += string(r)
		case r == 'H':
			hours, _ = strconv.Atoi(num)
			num = ""
		case r == 'M':
			minutes, _ = strconv.Atoi(num)
			num = ""
		case r == 'S':
			seconds, _ = strconv.Atoi(num)
			num = ""
		default:
			return "0:00"
		}
	}

	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}
