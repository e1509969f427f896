//go:build linux

package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIntList(t *testing.T) {
	cases := []struct {
		in   string
		want []int
	}{
		{"", nil},
		{"0", []int{0}},
		{"0-2,5", []int{0, 1, 2, 5}},
		{"1-5", []int{1, 2, 3, 4, 5}},
		{"0-3,7", []int{0, 1, 2, 3, 7}},
		{" 2 , 4-6 ", []int{2, 4, 5, 6}},
		{"8-8", []int{8}},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseIntList(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseIntList_Invalid(t *testing.T) {
	for _, in := range []string{"a", "1-2-3", "5-3", "1,,2", "1-"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseIntList(in)
			require.Error(t, err)
		})
	}
}

func TestFormatIntList(t *testing.T) {
	cases := []struct {
		in   []int
		want string
	}{
		{nil, ""},
		{[]int{0}, "0"},
		{[]int{0, 1, 2, 5}, "0-2,5"},
		{[]int{5, 2, 1, 0}, "0-2,5"}, // unsorted input
		{[]int{3, 3, 4}, "3-4"},      // duplicates
		{[]int{0, 2, 4}, "0,2,4"},
		{[]int{10, 11, 12, 13}, "10-13"},
	}
	for _, tc := range cases {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, FormatIntList(tc.in))
		})
	}
}

func TestIntListRoundTrip(t *testing.T) {
	// parse -> format -> parse must be the identity on the parsed value
	for _, s := range []string{"0-2,5", "0-3,7", "1,3,5,7", "0-15", "4"} {
		parsed, err := ParseIntList(s)
		require.NoError(t, err)
		again, err := ParseIntList(FormatIntList(parsed))
		require.NoError(t, err)
		assert.Equal(t, parsed, again, "round trip of %q", s)
	}
}

func TestParsePIDs(t *testing.T) {
	pids, err := ParsePIDs([]string{"12", "30000..30003", "12"})
	require.NoError(t, err)
	assert.Equal(t, []int{12, 30000, 30001, 30002, 30003}, pids)

	_, err = ParsePIDs([]string{"x"})
	require.Error(t, err)
	_, err = ParsePIDs([]string{"9..3"})
	require.Error(t, err)
}

func TestSystemSummary(t *testing.T) {
	host, kernel, cpus, mem := SystemSummary()
	assert.NotEmpty(t, host)
	assert.NotEmpty(t, kernel)
	assert.Greater(t, cpus, 0)
	assert.Greater(t, mem, uint64(0))
}
