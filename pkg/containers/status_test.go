package containers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePsJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []Container
		wantErr  bool
	}{
		{
			name:     "empty",
			input:    "\n",
			expected: []Container{},
		},
		{
			name:  "array",
			input: `[{"ID":"a","Name":"x-1","Service":"x","State":"exited","Status":"Exited (0)"}]`,
			expected: []Container{
				{ID: "a", Name: "x-1", Service: "x", State: "exited", Status: "Exited (0)"},
			},
		},
		{
			name:  "ndjson",
			input: "{\"ID\":\"a\",\"State\":\"running\"}\n\n{\"ID\":\"b\",\"State\":\"running\",\"Health\":\"unhealthy\"}\n",
			expected: []Container{
				{ID: "a", State: "running"},
				{ID: "b", State: "running", Health: "unhealthy"},
			},
		},
		{
			name:    "table",
			input:   "NAME  STATUS\nx  running",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			containers, err := ParsePsJSON([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, containers)
		})
	}
}

func TestParsePsTable_ComposeV1(t *testing.T) {
	output := "     Name                   Command               State           Ports\n" +
		"--------------------------------------------------------------------------------\n" +
		"litellm_db_1      docker-entrypoint.sh postgres    Up      5432/tcp\n" +
		"litellm_proxy_1   litellm --port 4000              Exit 1\n"

	containers, err := ParsePsTable(output)
	require.NoError(t, err)
	require.Len(t, containers, 2)
	assert.Equal(t, "litellm_db_1", containers[0].Name)
	assert.Equal(t, "litellm_proxy_1", containers[1].Name)
	assert.Equal(t, StateRunning, containers[0].State)
	assert.True(t, containers[0].Ready())
	assert.Equal(t, "exited", containers[1].State)
	assert.False(t, containers[1].Ready())
}

func TestParsePsTable_Errors(t *testing.T) {
	_, err := ParsePsTable("")
	require.Error(t, err)

	_, err = ParsePsTable("CONTAINER ID   IMAGE\n")
	require.Error(t, err)
}

func TestContainerReady(t *testing.T) {
	assert.True(t, Container{State: "running"}.Ready())
	assert.True(t, Container{State: "running", Health: "healthy"}.Ready())
	assert.False(t, Container{State: "running", Health: "unhealthy"}.Ready())
	assert.False(t, Container{State: "restarting"}.Ready())
}
