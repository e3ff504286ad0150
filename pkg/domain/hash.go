package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ContentHash hashes the negotiated substance of a contract: parties, task
// and terms. State, signatures and timestamps are excluded so the hash is
// stable once both parties have signed.
func ContentHash(c Contract) (string, error) {
	payload := struct {
		Version string `json:"version"`
		Seeker  Party  `json:"seeker"`
		Worker  Party  `json:"worker"`
		Task    Task   `json:"task"`
		Terms   Terms  `json:"terms"`
	}{
		Version: c.Version,
		Seeker:  c.Seeker,
		Worker:  c.Worker,
		Task:    c.Task,
		Terms:   c.Terms,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
