package decision

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/builderaio/buildera-io-sub006/pkg/contracts"
)

// Fingerprint identifies a decision for same-day duplicate suppression. It is
// the SHA-256 of the RFC 8785 canonical form of the identifying fields.
func Fingerprint(d *contracts.Decision, signalKey string, day time.Time) (string, error) {
	raw, err := json.Marshal(map[string]string{
		"company_id":      d.CompanyID,
		"department":      string(d.Department),
		"decision_type":   d.DecisionType,
		"capability_code": d.CapabilityCode,
		"signal":          signalKey,
		"day":             day.UTC().Format("2006-01-02"),
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("fingerprint canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
