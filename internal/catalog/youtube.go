/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const youtubeAPIBase = "https://www.googleapis.com/youtube/v3"

// YouTubeResolver resolves queries and links via the YouTube Data API v3.
type YouTubeResolver struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewYouTubeResolver creates a resolver using the given API key.
func NewYouTubeResolver(apiKey string) *YouTubeResolver {
	return &YouTubeResolver{
		apiKey:  apiKey,
		baseURL: youtubeAPIBase,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type youtubeSearchResponse struct {
	Items []struct {
		ID struct {
			VideoID string `json:"videoId"`
		} `json:"id"`
	} `json:"items"`
}

type youtubeVideosResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title        string `json:"title"`
			ChannelTitle string `json:"channelTitle"`
			Thumbnails   struct {
				Medium struct {
					URL string `json:"url"`
				} `json:"medium"`
			} `json:"thumbnails"`
		} `json:"snippet"`
		ContentDetails struct {
			Duration string `json:"duration"`
		} `json:"contentDetails"`
	} `json:"items"`
}

// Search implements Resolver. It runs search.list for video ids, then a
// single videos.list for metadata; the search endpoint does not return
// durations.
func (r *YouTubeResolver) Search(ctx context.Context, query string, limit int) ([]Descriptor, error) {
	var search youtubeSearchResponse
	err := r.get(ctx, "/search", url.Values{
		"part":       {"id"},
		"type":       {"video"},
		"maxResults": {fmt.Sprintf("%d", limit)},
		"q":          {query},
	}, &search)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(search.Items))
	for _, item := range search.Items {
		if item.ID.VideoID != "" {
			ids = append(ids, item.ID.VideoID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return r.videoDetails(ctx, ids)
}

// ResolveURL implements Resolver. It accepts watch URLs, youtu.be short
// links, and bare 11-character video ids.
func (r *YouTubeResolver) ResolveURL(ctx context.Context, rawURL string) (*Descriptor, error) {
	videoID, err := ExtractVideoID(rawURL)
	if err != nil {
		return nil, err
	}

	descs, err := r.videoDetails(ctx, []string{videoID})
	if err != nil {
		return nil, err
	}
	if len(descs) == 0 {
		return nil, fmt.Errorf("video %s not found", videoID)
	}
	return &descs[0], nil
}

func (r *YouTubeResolver) videoDetails(ctx context.Context, ids []string) ([]Descriptor, error) {
	var videos youtubeVideosResponse
	err := r.get(ctx, "/videos", url.Values{
		"part": {"snippet,contentDetails"},
		"id":   {strings.Join(ids, ",")},
	}, &videos)
	if err != nil {
		return nil, err
	}

	descs := make([]Descriptor, 0, len(videos.Items))
	for _, item := range videos.Items {
		descs = append(descs, Descriptor{
			SourceType:   "youtube",
			SourceID:     item.ID,
			Title:        item.Snippet.Title,
			Artist:       item.Snippet.ChannelTitle,
			URL:          "https://www.youtube.com/watch?v=" + item.ID,
			DurationSec:  int(ParseISO8601Duration(item.ContentDetails.Duration).Seconds()),
			ThumbnailURL: item.Snippet.Thumbnails.Medium.URL,
		})
	}
	return descs, nil
}

func (r *YouTubeResolver) get(ctx context.Context, path string, params url.Values, out any) error {
	params.Set("key", r.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.URL.RawQuery = params.Encode()
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("youtube request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("youtube %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode youtube response: %w", err)
	}
	return nil
}

// ExtractVideoID pulls the video id out of the URL forms YouTube hands out.
func ExtractVideoID(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", errors.New("empty url")
	}

	// Bare 11-character id as typed by kiosk operators.
	if len(rawURL) == 11 && !strings.ContainsAny(rawURL, "/?&.") {
		return rawURL, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	switch {
	case strings.HasSuffix(u.Host, "youtu.be"):
		id := strings.Trim(u.Path, "/")
		if id == "" {
			return "", errors.New("short link missing video id")
		}
		return id, nil
	case strings.Contains(u.Host, "youtube.com"):
		if strings.HasPrefix(u.Path, "/embed/") || strings.HasPrefix(u.Path, "/shorts/") {
			parts := strings.Split(strings.Trim(u.Path, "/"), "/")
			if len(parts) == 2 && parts[1] != "" {
				return parts[1], nil
			}
		}
		if id := u.Query().Get("v"); id != "" {
			return id, nil
		}
		return "", errors.New("watch url missing v parameter")
	default:
		return "", fmt.Errorf("unrecognized video url host %q", u.Host)
	}
}

// ParseISO8601Duration parses the P#DT#H#M#S durations the Data API
// returns; livestream archives can exceed a day. Malformed input yields
// zero.
func ParseISO8601Duration(s string) time.Duration {
	s = strings.TrimPrefix(s, "P")
	if s == "" {
		return 0
	}

	var total time.Duration
	var num strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num.WriteRune(r)
		case r == 'T':
			// Date/time separator; the 'M' designator means minutes
			// from here on. The API never emits months or years.
		case r == 'D' || r == 'H' || r == 'M' || r == 'S':
			var n int
			fmt.Sscanf(num.String(), "%d", &n)
			num.Reset()
			switch r {
			case 'D':
				total += time.Duration(n) * 24 * time.Hour
			case 'H':
				total += time.Duration(n) * time.Hour
			case 'M':
				total += time.Duration(n) * time.Minute
			case 'S':
				total += time.Duration(n) * time.Second
			}
		default:
			return total
		}
	}
	return total
}
