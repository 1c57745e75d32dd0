package tracker

import (
	"math/rand"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentityOfKnownValues(t *testing.T) {
	assert.Equal(t, "89401d53e6baa4dc", IdentityOf("限时活动", "2024年1月1日", "https://ff.sdo.com/a"))
	assert.Equal(t, "c65f37b2cb1ae26c", IdentityOf("", "", ""))
}

func TestIdentityOfShapeAndDeterminism(t *testing.T) {
	hex16 := regexp.MustCompile(`^[0-9a-f]{16}$`)
	a := IdentityOf("t", "d", "u")
	assert.Regexp(t, hex16, a)
	assert.Equal(t, a, IdentityOf("t", "d", "u"))
	assert.NotEqual(t, a, IdentityOf("t", "d", "u2"))
	assert.NotEqual(t, a, IdentityOf("t ", "d", "u"))
}

func TestIdentityOfNoCollisions(t *testing.T) {
	rng := rand.New(rand.NewSource(20240601))
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789活动时间年月日 :-/"
	runes := []rune(alphabet)
	word := func(maxLen int) string {
		n := rng.Intn(maxLen + 1)
		out := make([]rune, n)
		for i := range out {
			out[i] = runes[rng.Intn(len(runes))]
		}
		return string(out)
	}

	type triple struct{ t, d, u string }
	seen := map[string]triple{}
	distinct := map[triple]struct{}{}
	for len(distinct) < 10000 {
		tr := triple{word(24), word(32), word(40)}
		if _, dup := distinct[tr]; dup {
			continue
		}
		distinct[tr] = struct{}{}
		id := IdentityOf(tr.t, tr.d, tr.u)
		if prev, ok := seen[id]; ok {
			t.Fatalf("collision %s: %+v vs %+v", id, prev, tr)
		}
		seen[id] = tr
	}
}
