package utils

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

// TrackingToken derives the URL token for a tracking-id. Deterministic,
// so the tracking endpoints can validate it without a lookup.
func TrackingToken(trackingID, secret string) string {
	hash := sha256.Sum256([]byte(trackingID + ":" + secret))
	return base64.URLEncoding.EncodeToString(hash[:])[:20]
}

// ValidTrackingToken checks a token presented on a tracking URL.
func ValidTrackingToken(trackingID, token, secret string) bool {
	return token == TrackingToken(trackingID, secret)
}

// GenerateTrackingPixelURL generates a tracking pixel URL for email opens
func GenerateTrackingPixelURL(baseURL, trackingID, secret string) string {
	return fmt.Sprintf("%s/track/open/%s/%s", baseURL, trackingID, TrackingToken(trackingID, secret))
}

// GenerateClickTrackURL generates a tracked URL for links
func GenerateClickTrackURL(baseURL, trackingID, secret, originalURL string) string {
	encodedURL := url.QueryEscape(originalURL)
	return fmt.Sprintf("%s/track/click/%s/%s?url=%s", baseURL, trackingID, TrackingToken(trackingID, secret), encodedURL)
}

// InjectTracking rewrites links for click tracking and appends the open
// pixel to rendered email HTML.
func InjectTracking(htmlContent, baseURL, trackingID, secret string) string {
	pixelURL := GenerateTrackingPixelURL(baseURL, trackingID, secret)
	trackingPixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, pixelURL)

	modifiedHTML := injectClickTracking(htmlContent, baseURL, trackingID, secret)

	return modifiedHTML + trackingPixel
}

func injectClickTracking(html, baseURL, trackingID, secret string) string {
	startTag := "<a href=\""
	endTag := "\""
	offset := 0

	for {
		startIdx := strings.Index(html[offset:], startTag)
		if startIdx == -1 {
			break
		}
		startIdx += offset + len(startTag)

		endIdx := strings.Index(html[startIdx:], endTag)
		if endIdx == -1 {
			break
		}
		endIdx += startIdx

		originalURL := html[startIdx:endIdx]
		trackedURL := GenerateClickTrackURL(baseURL, trackingID, secret, originalURL)

		html = html[:startIdx] + trackedURL + html[endIdx:]
		offset = startIdx + len(trackedURL)
	}

	return html
}
