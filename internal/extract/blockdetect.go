package extract

import (
	"bytes"

	"github.com/sells-group/stagegate/internal/fetcher"
)

// BlockType describes an anti-bot interstitial served in place of content.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
)

// Challenge pages are small; real pages often embed captcha widgets in forms.
const smallPage = 4096

// DetectBlock inspects a 2xx page for signs that it is a challenge or an
// empty JS shell rather than the requested content.
func DetectBlock(resp *fetcher.Response) BlockType {
	if resp == nil {
		return BlockNone
	}
	if resp.Header.Get("cf-mitigated") == "challenge" {
		return BlockCloudflare
	}

	lower := bytes.ToLower(resp.Body)
	if bytes.Contains(lower, []byte("checking your browser")) ||
		bytes.Contains(lower, []byte("cf-browser-verification")) ||
		bytes.Contains(lower, []byte("cloudflare")) && bytes.Contains(lower, []byte("challenge-platform")) {
		return BlockCloudflare
	}

	if len(resp.Body) >= smallPage {
		return BlockNone
	}
	if bytes.Contains(lower, []byte("captcha")) {
		return BlockCaptcha
	}
	if bytes.Contains(lower, []byte("<noscript")) && bytes.Contains(lower, []byte("enable javascript")) {
		return BlockJSShell
	}
	return BlockNone
}
