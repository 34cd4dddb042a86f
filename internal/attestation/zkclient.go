package attestation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"arbiter-escrow/internal/chain"
)

const zkProofPath = "/proofs/"

// ZKFetcher retrieves a ZK verification result. ready is false while the proof is still
// being generated.
type ZKFetcher interface {
	FetchZK(ctx context.Context, evidence common.Hash) (result ZKResult, ready bool, err error)
}

// ClientOptions parameterise the ZK service client.
type ClientOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// Client talks to the external ZK verification service over HTTP.
type Client struct {
	opts    ClientOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewClient constructs a ZK service client.
func NewClient(opts ClientOptions, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "zk_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// FetchZK queries the proof status for evidence.
func (c *Client) FetchZK(ctx context.Context, evidence common.Hash) (ZKResult, bool, error) {
	if c.baseURL == "" {
		return ZKResult{}, false, errors.New("zk service base url not configured")
	}

	endpoint := c.baseURL + zkProofPath + evidence.Hex()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ZKResult{}, false, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "arbiterd/1.0")
	}
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return ZKResult{}, false, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return ZKResult{}, false, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted, http.StatusNotFound:
		return ZKResult{}, false, nil
	default:
		return ZKResult{}, false, parseHTTPError(resp.StatusCode, payload)
	}

	var proof proofResponse
	if err := json.Unmarshal(payload, &proof); err != nil {
		return ZKResult{}, false, fmt.Errorf("decode proof: %w", err)
	}

	switch proof.Status {
	case "pending", "running":
		return ZKResult{}, false, nil
	case "done", "failed", "":
	default:
		return ZKResult{}, false, fmt.Errorf("unexpected proof status %q", proof.Status)
	}

	result := ZKResult{
		Evidence:        evidence,
		PublicKey:       proof.PublicKey,
		TransactionHash: proof.TransactionHash,
		Signature:       proof.Signature,
		Verified:        proof.Status != "failed" && proof.Verified,
	}
	for _, u := range proof.UTXOs {
		result.UTXOs = append(result.UTXOs, chain.UTXO{TxID: u.TxID, Vout: u.Vout, Amount: u.Amount, Script: u.Script})
	}

	c.logger.Debug().Str("evidence", evidence.Hex()).Bool("verified", result.Verified).Msg("zk proof fetched")
	return result, true, nil
}

type proofResponse struct {
	Status          string        `json:"status"`
	PublicKey       hexutil.Bytes `json:"publicKey"`
	TransactionHash common.Hash   `json:"transactionHash"`
	Signature       hexutil.Bytes `json:"signature"`
	UTXOs           []proofUTXO   `json:"utxos"`
	Verified        bool          `json:"verified"`
}

type proofUTXO struct {
	TxID   string        `json:"txid"`
	Vout   uint32        `json:"vout"`
	Amount int64         `json:"amount"`
	Script hexutil.Bytes `json:"script"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("zk service error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("zk service error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("zk service error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("zk service error (%d)", status)
}

var _ ZKFetcher = (*Client)(nil)
