package challenge

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/net/html"
)

// knownFormFields lists the input names a JS-interstitial challenge is
// expected to carry (r, jschl_vc, pass and the hidden s/id variants). Some
// page variants place these outside the challenge form element, so Extract
// sweeps the whole document for them after collecting the form's own inputs.
var knownFormFields = map[string]bool{
	"r":            true,
	"id":           true,
	"jschl_vc":     true,
	"jschl_answer": true,
	"pass":         true,
	"s":            true,
	"cf_chl_rt_tk": true,
	"cf-chl-rt-tk": true,
}

// Extracted holds everything the Evaluate step needs out of a JS
// interstitial page.
type Extracted struct {
	ScriptBody string
	SubmitURL  *url.URL
	FormMethod string
	FormFields map[string]string

	// Options carries the fields of the page's inline window._cf_chl_opt
	// blob (cType, cRay, cHash, cvId, cZone) when present. Diagnostic data: the
	// solve flow does not branch on it.
	Options map[string]string
}

var scriptIndicators = []string{"jschl_answer", "challenge-form", "setTimeout", "getElementById"}

func looksLikeChallengeScript(src string) bool {
	lower := strings.ToLower(src)
	for _, ind := range scriptIndicators {
		if strings.Contains(lower, strings.ToLower(ind)) {
			return true
		}
	}
	return false
}

// Extract walks body as HTML and pulls the challenge form's action/fields
// and the inline script that computes the answer. base resolves a relative
// form action to an absolute URL.
func Extract(body []byte, base *url.URL) (*Extracted, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("challenge: parse HTML: %w", err)
	}

	out := &Extracted{FormFields: map[string]string{}, FormMethod: "GET"}
	var action string
	var foundForm bool

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "form":
				if !foundForm || attr(n, "id") == "challenge-form" {
					foundForm = true
					action = attr(n, "action")
					if m := attr(n, "method"); m != "" {
						out.FormMethod = strings.ToUpper(m)
					}
					collectInputs(n, out.FormFields)
				}
			case "script":
				if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					if out.ScriptBody == "" && looksLikeChallengeScript(n.FirstChild.Data) {
						out.ScriptBody = n.FirstChild.Data
					}
				}
			case "input":
				name := attr(n, "name")
				if knownFormFields[name] {
					if _, have := out.FormFields[name]; !have {
						out.FormFields[name] = attr(n, "value")
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if !foundForm {
		return nil, fmt.Errorf("challenge: no challenge form found in response body")
	}
	if out.ScriptBody == "" {
		return nil, fmt.Errorf("challenge: no challenge script found in response body")
	}

	submitURL, err := resolveAction(base, action)
	if err != nil {
		return nil, fmt.Errorf("challenge: resolve form action %q: %w", action, err)
	}
	out.SubmitURL = submitURL
	out.Options = parseChallengeOpts(body)
	return out, nil
}

var (
	chlOptPattern  = regexp.MustCompile(`window\._cf_chl_opt\s*=\s*(\{[^;]*\})`)
	jsKeyPattern   = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
	siteKeyPattern = regexp.MustCompile(`data-sitekey="([^"]+)"`)
)

// parseChallengeOpts pulls the cType/cRay/cHash/cvId/cZone fields out of the
// page's inline window._cf_chl_opt object. The blob is a JS object literal,
// not JSON, so keys are quoted and single quotes normalised before handing
// it to gjson.
func parseChallengeOpts(body []byte) map[string]string {
	m := chlOptPattern.FindSubmatch(body)
	if m == nil {
		return nil
	}
	blob := strings.ReplaceAll(string(m[1]), "'", `"`)
	blob = jsKeyPattern.ReplaceAllString(blob, `$1"$2":`)

	out := map[string]string{}
	for _, field := range []string{"cType", "cRay", "cHash", "cvId", "cZone"} {
		if v := gjson.Get(blob, field); v.Exists() {
			out[field] = v.String()
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// TurnstileSiteKey returns the data-sitekey attribute of a Turnstile widget
// embedded in body, or "" when none is present.
func TurnstileSiteKey(body []byte) string {
	if m := siteKeyPattern.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	return ""
}

func collectInputs(form *html.Node, fields map[string]string) {
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "input" {
			name := attr(n, "name")
			if name != "" {
				fields[name] = attr(n, "value")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(form)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func resolveAction(base *url.URL, action string) (*url.URL, error) {
	if action == "" {
		if base == nil {
			return nil, fmt.Errorf("empty form action and no base URL")
		}
		return base, nil
	}
	u, err := url.Parse(action)
	if err != nil {
		return nil, err
	}
	if base == nil {
		return u, nil
	}
	return base.ResolveReference(u), nil
}
