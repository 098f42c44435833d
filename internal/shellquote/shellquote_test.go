package shellquote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuote_EscapesEmbeddedSingleQuotes(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, Quote("it's"))
}

func TestQuote_EmptyString(t *testing.T) {
	assert.Equal(t, "''", Quote(""))
}

func TestValidatePath_RejectsShellMetacharacters(t *testing.T) {
	require.Error(t, ValidatePath("/tmp/foo; rm -rf /"))
	require.NoError(t, ValidatePath("/tmp/foo/bar-1.txt"))
}

func TestValidateName_RejectsSpaces(t *testing.T) {
	require.Error(t, ValidateName("my job"))
	require.NoError(t, ValidateName("my-job_1.0"))
}

func TestValidatePositiveIntString(t *testing.T) {
	n, err := ValidatePositiveIntString(" 42 ")
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = ValidatePositiveIntString("-1")
	require.Error(t, err)

	_, err = ValidatePositiveIntString("not-a-number")
	require.Error(t, err)
}

func TestValidateEnvSetupLine(t *testing.T) {
	require.NoError(t, ValidateEnvSetupLine("export PATH=/opt/bin:$PATH"))
	require.Error(t, ValidateEnvSetupLine("rm -rf /; export PATH=/opt/bin"))
	require.Error(t, ValidateEnvSetupLine("export FOO=`whoami`"))
}

func TestCommand_Build(t *testing.T) {
	cmd := Command{
		Program: "ls",
		Args: []Arg{
			{Kind: KindPath, Value: "/tmp/work"},
			{Kind: KindPositiveInt, Value: "5"},
		},
	}
	out, err := cmd.Build()
	require.NoError(t, err)
	assert.Equal(t, `'ls' '/tmp/work' '5'`, out)
}

func TestCommand_Build_RejectsInvalidPathArg(t *testing.T) {
	cmd := Command{
		Program: "cat",
		Args:    []Arg{{Kind: KindPath, Value: "/tmp/foo; rm -rf /"}},
	}
	_, err := cmd.Build()
	require.Error(t, err)
}
