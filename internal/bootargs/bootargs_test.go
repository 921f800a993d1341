package bootargs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		args string
		want Options
	}{
		{
			name: "all recognized keys",
			args: "zone=2 pod=1 name=foo type=bar url=http://x",
			want: Options{ZoneID: 2, PodID: 1, Name: "foo", Type: "bar", URL: "http://x"},
		},
		{
			name: "token without equals is skipped",
			args: "zone=2 garbage pod=1 name=foo type=bar url=http://x",
			want: Options{ZoneID: 2, PodID: 1, Name: "foo", Type: "bar", URL: "http://x"},
		},
		{
			name: "keys are case insensitive",
			args: "ZONE=3 Pod=4 NAME=s-1-VM",
			want: Options{ZoneID: 3, PodID: 4, Name: "s-1-VM"},
		},
		{
			name: "malformed number is ignored",
			args: "zone=abc pod=7",
			want: Options{PodID: 7},
		},
		{
			name: "unknown keys are ignored",
			args: "template=domP eth0ip=10.0.0.2 zone=9",
			want: Options{ZoneID: 9},
		},
		{
			name: "value keeps embedded equals",
			args: "url=nfs://host/path?opt=1",
			want: Options{URL: "nfs://host/path?opt=1"},
		},
		{
			name: "extra whitespace",
			args: "  zone=1 \t pod=2  \n",
			want: Options{ZoneID: 1, PodID: 2},
		},
		{
			name: "empty",
			args: "",
			want: Options{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.args))
		})
	}
}
