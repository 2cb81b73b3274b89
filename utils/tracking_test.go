package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackingTokenRoundTrip(t *testing.T) {
	token := TrackingToken("trk-1", "secret")

	assert.True(t, ValidTrackingToken("trk-1", token, "secret"))
	assert.False(t, ValidTrackingToken("trk-2", token, "secret"))
	assert.False(t, ValidTrackingToken("trk-1", token, "other-secret"))
	assert.False(t, ValidTrackingToken("trk-1", "", "secret"))
}

func TestInjectTrackingAppendsPixel(t *testing.T) {
	out := InjectTracking("<p>Hi</p>", "http://localhost:5000", "trk-1", "secret")

	assert.True(t, strings.HasPrefix(out, "<p>Hi</p>"))
	assert.Contains(t, out, "http://localhost:5000/track/open/trk-1/")
	assert.Contains(t, out, `width="1" height="1"`)
}

func TestInjectTrackingRewritesLinks(t *testing.T) {
	html := `<p>See the <a href="https://example.com/schedule">schedule</a>.</p>`
	out := InjectTracking(html, "http://localhost:5000", "trk-1", "secret")

	assert.Contains(t, out, "http://localhost:5000/track/click/trk-1/")
	assert.Contains(t, out, "url=https%3A%2F%2Fexample.com%2Fschedule")
	assert.NotContains(t, out, `href="https://example.com/schedule"`)
}
