package store

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// FormatMAC renders a 12-hex-digit MAC as the colon-joined form the Hue
// config descriptor uses ("aa:bb:cc:dd:ee:ff").
func FormatMAC(mac12 string) string {
	mac12 = strings.ToLower(mac12)
	var b strings.Builder
	for i := 0; i < len(mac12); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		end := i + 2
		if end > len(mac12) {
			end = len(mac12)
		}
		b.WriteString(mac12[i:end])
	}
	return b.String()
}

// BridgeID derives the 16-hex uppercase bridge id from a 12-hex MAC by
// inserting FFFE between its two halves (I3).
func BridgeID(mac12 string) string {
	mac12 = strings.ToLower(mac12)
	if len(mac12) != 12 {
		return strings.ToUpper(mac12)
	}
	return strings.ToUpper(mac12[:6] + "FFFE" + mac12[6:])
}

// NewUniqueID returns a light uniqueid: six random hex octets, colon
// joined, with a random endpoint suffix in 0..12, matching the
// original's get_unique_id().
func NewUniqueID() string {
	octets := make([]byte, 6)
	_, _ = rand.Read(octets)
	parts := make([]string, 6)
	for i, o := range octets {
		parts[i] = fmt.Sprintf("%02x", o)
	}
	suffixBuf := make([]byte, 1)
	_, _ = rand.Read(suffixBuf)
	return strings.Join(parts, ":") + "-" + fmt.Sprintf("%d", suffixBuf[0]%13)
}
