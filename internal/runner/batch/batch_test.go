package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpec_ValidateRejectsBadFields(t *testing.T) {
	cases := []Spec{
		{Partition: "gpu; rm -rf /"},
		{Account: "acct with spaces"},
		{TimeLimit: "not-a-time"},
		{MailUser: "not-an-email"},
		{DependsOn: "12a"},
		{ArraySpec: "0-9; echo"},
		{Modules: []string{"bad module"}},
	}
	for _, c := range cases {
		assert.Error(t, c.validate())
	}
}

func TestSpec_ValidateAcceptsGoodFields(t *testing.T) {
	s := Spec{
		Partition: "gpu_part",
		Account:   "my-acct",
		QOS:       "normal",
		Nodes:     2,
		TimeLimit: "1-00:00:00",
		Modules:   []string{"gcc/11.2.0"},
		MailUser:  "user@example.edu",
		DependsOn: "12345",
		ArraySpec: "1-10:2",
	}
	assert.NoError(t, s.validate())
}

func TestParseSpec(t *testing.T) {
	spec, err := ParseSpec(`{"partition":"gpu","nodes":4,"modules":["gcc/11"]}`)
	require.NoError(t, err)
	assert.Equal(t, "gpu", spec.Partition)
	assert.Equal(t, 4, spec.Nodes)
	assert.Equal(t, []string{"gcc/11"}, spec.Modules)
}

func TestMapState(t *testing.T) {
	assert.EqualValues(t, "running", mapState("RUNNING"))
	assert.EqualValues(t, "pending", mapState("PENDING"))
	assert.EqualValues(t, "completed", mapState("COMPLETED"))
	assert.EqualValues(t, "failed", mapState("FAILED"))
	assert.EqualValues(t, "unknown", mapState("BOGUS"))
}
