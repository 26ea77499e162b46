package plan

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePlan = `
# a comment
happy path:
-generaltimeout: 30s
-minhosts: all
web1: echo hello
web2: echo hello
-timeout: 5s
end

second test:
-minhosts: 1
web1: sleep 1
web2: sleep 2
end
`

func TestParseHappyPath(t *testing.T) {
	p, err := Parse(strings.NewReader(samplePlan))
	require.NoError(t, err)
	require.Len(t, p.Tests, 2)

	first := p.Tests[0]
	assert.Equal(t, "happy path", first.Label)
	assert.Equal(t, 30*time.Second, first.GeneralTimeout)
	assert.True(t, first.MinHosts.IsAll())
	assert.Equal(t, []string{"web1", "web2"}, first.Targets)
	assert.Equal(t, 30*time.Second, first.Specs["web1"][0].Timeout)
	// the -timeout line retroactively applies to the immediately preceding
	// target/command pair only (web2), never web1.
	assert.Equal(t, 5*time.Second, first.Specs["web2"][0].Timeout)

	second := p.Tests[1]
	assert.Equal(t, MinHosts(1), second.MinHosts)
	assert.False(t, second.MinHosts.IsAll())
	assert.True(t, second.MinHosts.Gating())
}

func TestParseRejectsTimeoutBeforeTarget(t *testing.T) {
	src := `
t:
-timeout: 5s
web1: echo hi
end
`
	_, err := Parse(strings.NewReader(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no current target")
}

func TestParseRejectsGeneralTimeoutAfterTarget(t *testing.T) {
	src := `
t:
web1: echo hi
-generaltimeout: 5s
end
`
	_, err := Parse(strings.NewReader(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "precede")
}

func TestParseRejectsEmptyTest(t *testing.T) {
	src := `
t:
end
`
	_, err := Parse(strings.NewReader(src))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no targets")
}

func TestMinHostsZeroIsUnsetNotAll(t *testing.T) {
	m := MinHosts(0)
	assert.False(t, m.IsAll())
	assert.False(t, m.Gating())
	assert.Nil(t, m.InitialTimeoutsRemaining())

	all := MinHostsAll
	assert.True(t, all.IsAll())
	assert.False(t, all.Gating())
	assert.Nil(t, all.InitialTimeoutsRemaining())

	gating := MinHosts(2)
	require.NotNil(t, gating.InitialTimeoutsRemaining())
	assert.Equal(t, 2, *gating.InitialTimeoutsRemaining())
}

func TestListenerTimeoutNoneWinsOverLargerValue(t *testing.T) {
	test := Test{
		Specs: map[string][]CommandSpec{
			"web1": {
				{Command: "a", Timeout: 10 * time.Second},
				{Command: "b", Timeout: 0},
			},
		},
	}
	assert.Equal(t, time.Duration(0), test.ListenerTimeout("web1"))
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"none": 0,
		"0s":   0,
		"5s":   5 * time.Second,
		"2m":   2 * time.Minute,
		"1h":   time.Hour,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDuration("bogus")
	assert.Error(t, err)
}
