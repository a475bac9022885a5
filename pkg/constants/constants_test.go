package constants

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(QuarterStatusPending, QuarterStatusScheduled))
	assert.True(t, CanTransition(QuarterStatusScheduled, QuarterStatusInProgress))
	assert.True(t, CanTransition(QuarterStatusInProgress, QuarterStatusCompleted))
	assert.True(t, CanTransition(QuarterStatusInProgress, QuarterStatusFailed))
	assert.True(t, CanTransition(QuarterStatusCompleted, QuarterStatusRolledBack))
	assert.True(t, CanTransition(QuarterStatusFailed, QuarterStatusRolledBack))

	// 回滚后无自动流转
	assert.False(t, CanTransition(QuarterStatusRolledBack, QuarterStatusPending))
	assert.False(t, CanTransition(QuarterStatusRolledBack, QuarterStatusScheduled))

	assert.False(t, CanTransition(QuarterStatusPending, QuarterStatusCompleted))
	assert.False(t, CanTransition(QuarterStatusCompleted, QuarterStatusInProgress))
}

func TestIsApproved(t *testing.T) {
	assert.True(t, IsApproved(ApprovalStatusApproved))
	assert.True(t, IsApproved(ApprovalStatusAutoApproved))
	assert.False(t, IsApproved(ApprovalStatusPending))
	assert.False(t, IsApproved(ApprovalStatusRejected))
	assert.False(t, IsApproved(""))
}

func TestValidQuarter(t *testing.T) {
	for _, q := range Quarters {
		assert.True(t, ValidQuarter(q))
	}
	assert.False(t, ValidQuarter("Q5"))
	assert.False(t, ValidQuarter("q1"))
	assert.False(t, ValidQuarter(""))
}

func TestOSFamilyOf(t *testing.T) {
	cases := map[string]string{
		"ubuntu": OSFamilyDebian,
		"debian": OSFamilyDebian,
		"centos": OSFamilyRedHat,
		"rhel":   OSFamilyRedHat,
		"fedora": OSFamilyRedHat,
	}
	for os, want := range cases {
		family, err := OSFamilyOf(os)
		require.NoError(t, err, os)
		assert.Equal(t, want, family, os)
	}

	_, err := OSFamilyOf("windows")
	assert.Error(t, err)
	_, err = OSFamilyOf("")
	assert.Error(t, err)
}
