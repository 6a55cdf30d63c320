package sandbox

import (
	"fmt"
	"strings"

	"github.com/robertkrimen/otto"
)

// injectShim seeds window/document/navigator/performance globals so typical
// challenge scripts run without throwing a ReferenceError. None of the stubs
// reach outside the VM. The shim is rebuilt from scratch on every Evaluate
// call and discarded with the VM.
func injectShim(vm *otto.Otto, shim Shim) error {
	location := shim.Location
	if location == "" {
		location = "https://example.test/"
	}
	userAgent := shim.UserAgent
	if userAgent == "" {
		userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	}

	bootstrap := fmt.Sprintf(`
var document = {
	createElement: function(tag) { return { tagName: tag, style: {}, setAttribute: function(){}, appendChild: function(){} }; },
	getElementById: function(id) { return null; },
	cookie: ""
};
var navigator = { userAgent: %q };
var location = { href: %q, hostname: %q };
var window = this;
window.document = document;
window.navigator = navigator;
window.location = location;

var __startTime = 0;
var performance = {
	now: function() { __startTime += 1; return __startTime; }
};
window.performance = performance;

function setTimeout(fn, delay) { if (typeof fn === "function") { return fn(); } return 0; }
function clearTimeout(id) {}
`, userAgent, location, hostnameOf(location))

	if _, err := vm.Run(bootstrap); err != nil {
		return fmt.Errorf("sandbox: seed globals: %w", err)
	}
	return nil
}

func hostnameOf(rawurl string) string {
	// Minimal scheme/path stripping; a full net/url parse is unnecessary
	// for the shim and would pull in error handling for malformed input
	// that a challenge script's location string should never produce.
	s := rawurl
	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		s = s[:idx]
	}
	return s
}
