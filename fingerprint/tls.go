package fingerprint

import (
	"fmt"

	utls "github.com/refraction-networking/utls"
)

// ClientHelloSpec returns the uTLS ClientHelloSpec that produces a
// byte-for-byte match (modulo GREASE and key-share randomness, which the TLS
// spec itself requires to vary) of this profile's declared browser build.
//
// uTLS's parrot table already encodes GREASE placeholders, cipher-suite
// order, and extension order for each HelloID; this function does not hand-
// assemble the spec because doing so would drift from the upstream table
// uTLS maintains as browsers update. See Profile.ClientHelloNote for the
// one documented discrepancy this module ships with.
func (p *Profile) ClientHelloSpec() (utls.ClientHelloSpec, error) {
	spec, err := utls.UTLSIdToSpec(p.HelloID)
	if err != nil {
		return utls.ClientHelloSpec{}, fmt.Errorf("fingerprint: build ClientHelloSpec for %s: %w", p.HelloID.Str(), err)
	}
	return spec, nil
}

// ALPNProtocols returns the ALPN protocol list this profile advertises, in
// the order the TLS extension should list them.
func (p *Profile) ALPNProtocols() []string {
	out := make([]string, len(p.ALPN))
	copy(out, p.ALPN)
	return out
}
