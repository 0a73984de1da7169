package bazaar

import (
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

type digestView struct {
	Player Player `json:"player"`
	NPCs   []NPC  `json:"npcs"`
}

// Digest hashes the mutator-owned state (player and NPCs) with BLAKE2b-256.
// encoding/json sorts map keys, so equal worlds hash equally.
func Digest(w World) string {
	data, err := json.Marshal(digestView{Player: w.Player, NPCs: w.NPCs})
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
