package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const confirmedDistribution = `{
	"receipt_id": "R-1",
	"attempt": 1,
	"mode": "immediate",
	"status": "confirmed",
	"recipient_address": "0x00000000000000000000000000000000000000a1",
	"total_reward": "10",
	"total_reward_units": "10000000",
	"confidence_score": 0.92,
	"recipient": {"amount": "7", "amount_units": "7000000", "status": "confirmed", "tx_hash": "0xaa", "block_number": 12},
	"fund": {"amount": "3", "amount_units": "3000000", "status": "confirmed", "tx_hash": "0xbb", "block_number": 12},
	"review_queued": false,
	"created_at": "2026-01-02T03:04:05Z",
	"updated_at": "2026-01-02T03:04:06Z"
}`

func newDistributionServer(t *testing.T) (*httptest.Server, *[]map[string]interface{}) {
	t.Helper()
	var bodies []map[string]interface{}
	capture := func(r *http.Request) {
		var body map[string]interface{}
		if r.Body != nil && r.ContentLength != 0 {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		}
		bodies = append(bodies, body)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/distributions", func(w http.ResponseWriter, r *http.Request) {
		capture(r)
		if r.URL.Query().Get("async") == "true" {
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"receipt_id":"R-1","workflow_id":"distribute-R-1","status":"accepted"}`))
			return
		}
		w.Write([]byte(confirmedDistribution))
	})
	mux.HandleFunc("GET /api/v1/distributions/unsettled", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"distributions":[` + confirmedDistribution + `]}`))
	})
	mux.HandleFunc("GET /api/v1/distributions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "R-1" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"distribution record not found"}`))
			return
		}
		w.Write([]byte(confirmedDistribution))
	})
	mux.HandleFunc("POST /api/v1/distributions/{id}/review", func(w http.ResponseWriter, r *http.Request) {
		capture(r)
		w.Write([]byte(confirmedDistribution))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &bodies
}

func TestGetDistributionCommand(t *testing.T) {
	srv, _ := newDistributionServer(t)

	out, err := runApp(t, "--server-url", srv.URL, "--json", "distribution", "get", "R-1")
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "R-1", got["receipt_id"])
	assert.Equal(t, "confirmed", got["status"])
}

func TestGetDistributionCommand_Text(t *testing.T) {
	srv, _ := newDistributionServer(t)

	out, err := runApp(t, "--server-url", srv.URL, "distribution", "get", "R-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Receipt:     R-1 (attempt 1)")
	assert.Contains(t, out, "Recipient leg: 7 confirmed")
	assert.Contains(t, out, "tx:    0xbb")
}

func TestGetDistributionCommand_JQ(t *testing.T) {
	srv, _ := newDistributionServer(t)

	out, err := runApp(t, "--server-url", srv.URL, "--jq", ".recipient.tx_hash", "distribution", "get", "R-1")
	require.NoError(t, err)
	assert.Equal(t, "\"0xaa\"\n", out)
}

func TestGetDistributionCommand_NotFound(t *testing.T) {
	srv, _ := newDistributionServer(t)

	_, err := runApp(t, "--server-url", srv.URL, "distribution", "get", "R-404")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no distribution for receipt "R-404"`)
}

func TestGetDistributionCommand_RequiresArgument(t *testing.T) {
	_, err := runApp(t, "--server-url", "http://127.0.0.1:0", "distribution", "get")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "receipt id")
}

func TestCreateDistributionCommand(t *testing.T) {
	srv, bodies := newDistributionServer(t)

	out, err := runApp(t, "--server-url", srv.URL, "--jq", ".status",
		"distribution", "create",
		"--receipt-id", "R-1",
		"--recipient", "0x00000000000000000000000000000000000000a1",
		"--reward", "10",
		"--confidence", "0.92",
		"--category", "ev",
	)
	require.NoError(t, err)
	assert.Equal(t, "\"confirmed\"\n", out)

	require.Len(t, *bodies, 1)
	body := (*bodies)[0]
	assert.Equal(t, "R-1", body["receipt_id"])
	assert.Equal(t, "10", body["total_reward"])
	assert.Equal(t, 0.92, body["confidence_score"])
	assert.Equal(t, "ev", body["category"])
}

func TestCreateDistributionCommand_WithoutConfidence(t *testing.T) {
	srv, bodies := newDistributionServer(t)

	_, err := runApp(t, "--server-url", srv.URL, "--json",
		"distribution", "create",
		"--receipt-id", "R-1",
		"--recipient", "0x00000000000000000000000000000000000000a1",
		"--reward", "10",
		"--token", "tok-1",
	)
	require.NoError(t, err)

	require.Len(t, *bodies, 1)
	body := (*bodies)[0]
	_, hasScore := body["confidence_score"]
	assert.False(t, hasScore, "unset confidence must be omitted so the server uses the validation")
	assert.Equal(t, "tok-1", body["validation_token"])
}

func TestCreateDistributionCommand_Async(t *testing.T) {
	srv, _ := newDistributionServer(t)

	out, err := runApp(t, "--server-url", srv.URL, "--jq", ".workflow_id",
		"distribution", "create", "--async",
		"--receipt-id", "R-1",
		"--recipient", "0x00000000000000000000000000000000000000a1",
		"--reward", "10",
		"--confidence", "0.92",
	)
	require.NoError(t, err)
	assert.Equal(t, "\"distribute-R-1\"\n", out)
}

func TestListUnsettledCommand(t *testing.T) {
	srv, _ := newDistributionServer(t)

	out, err := runApp(t, "--server-url", srv.URL, "distribution", "unsettled", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "RECEIPT")
	assert.Contains(t, out, "R-1")
	assert.Contains(t, out, "immediate")
}

func TestReviewCommand(t *testing.T) {
	srv, bodies := newDistributionServer(t)

	_, err := runApp(t, "--server-url", srv.URL, "--json",
		"distribution", "review", "--approve", "--reviewer", "alice", "--note", "ok", "R-1")
	require.NoError(t, err)

	require.Len(t, *bodies, 1)
	assert.Equal(t, true, (*bodies)[0]["approve"])
	assert.Equal(t, "alice", (*bodies)[0]["reviewer"])
}

func TestReviewCommand_RequiresOneDecision(t *testing.T) {
	srv, _ := newDistributionServer(t)

	for _, args := range [][]string{
		{"distribution", "review", "R-1"},
		{"distribution", "review", "--approve", "--reject", "R-1"},
	} {
		_, err := runApp(t, append([]string{"--server-url", srv.URL}, args...)...)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exactly one of --approve or --reject")
	}
}

func TestBalanceCommand_RejectsBadAddress(t *testing.T) {
	_, err := runApp(t, "--server-url", "http://127.0.0.1:0", "ledger", "balance", "0xAAA")
	require.Error(t, err)
}
