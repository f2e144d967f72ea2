package signing

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SelectParticipants picks the t signing parties deterministically: the
// available ids are rotated by a digest of the signal id, which spreads
// load across the committee while every party that shares the same
// availability view lands on the same set.
func SelectParticipants(signalID []byte, available []int, threshold int) ([]int, error) {
	if threshold < 1 {
		return nil, errors.Errorf("invalid threshold %d", threshold)
	}
	if len(available) < threshold {
		return nil, errors.Wrapf(ErrInsufficientValidators, "%d available, need %d", len(available), threshold)
	}

	pool := make([]int, len(available))
	copy(pool, available)
	sort.Ints(pool)

	digest := sha256.Sum256(signalID)
	start := int(binary.BigEndian.Uint64(digest[:8]) % uint64(len(pool)))

	selected := make([]int, 0, threshold)
	for i := 0; i < threshold; i++ {
		selected = append(selected, pool[(start+i)%len(pool)])
	}
	sort.Ints(selected)
	return selected, nil
}

// contains reports membership of id in a sorted or unsorted set.
func contains(set []int, id int) bool {
	for _, v := range set {
		if v == id {
			return true
		}
	}
	return false
}

// EncodeParticipants renders a participant set as "1,2,3".
func EncodeParticipants(participants []int) string {
	parts := make([]string, len(participants))
	for i, id := range participants {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

// ParseParticipants reverses EncodeParticipants.
func ParseParticipants(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid participant %q", p)
		}
		out = append(out, id)
	}
	return out, nil
}
