package ssl

import (
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestVerificationPolicyHashLength(t *testing.T) {
	t.Parallel()

	_, err := NewVerificationPolicy(nil, []string{strings.Repeat("a", 63)}, nil, false)
	assert.ErrorContains(t, err, "expected 64 hex characters")

	_, err = NewVerificationPolicy(nil, []string{strings.Repeat("a", 64)}, nil, false)
	assert.NilError(t, err)

	_, err = NewVerificationPolicy(nil, nil, []string{strings.Repeat("a", 65)}, false)
	assert.ErrorContains(t, err, "expected 64 hex characters")
}

func TestVerificationPolicyHashCharset(t *testing.T) {
	t.Parallel()

	_, err := NewVerificationPolicy(nil, []string{strings.Repeat("g", 64)}, nil, false)
	assert.ErrorContains(t, err, "non-hex character")

	_, err = NewVerificationPolicy(nil, nil, []string{strings.Repeat("a", 62) + "zz"}, false)
	assert.ErrorContains(t, err, "non-hex character")
}

func TestVerificationPolicyMixedCase(t *testing.T) {
	t.Parallel()

	mixed := strings.Repeat("Ab", 32)
	policy, err := NewVerificationPolicy(nil, []string{mixed}, []string{strings.ToUpper(mixed)}, false)
	assert.NilError(t, err)

	want := strings.Repeat("ab", 32)
	assert.DeepEqual(t, policy.CertificateHashes(), []string{want})
	assert.DeepEqual(t, policy.SPKIHashes(), []string{want})
}

func TestVerificationPolicyTrivial(t *testing.T) {
	t.Parallel()

	policy, err := NewVerificationPolicy(nil, nil, nil, true)
	assert.NilError(t, err)
	assert.Assert(t, policy.Trivial())

	policy, err = NewVerificationPolicy([]string{"spiffe://mesh/backend"}, nil, nil, false)
	assert.NilError(t, err)
	assert.Assert(t, is.Equal(policy.Trivial(), false))
}
