package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrNoSigner is returned when a transfer is attempted without a distributor key.
	ErrNoSigner = errors.New("no distributor signer configured")

	// ErrNoHealthyEndpoint is returned when no configured endpoint answers a probe.
	ErrNoHealthyEndpoint = errors.New("no healthy ledger endpoint")

	// ErrReceiptTimeout is returned when a submitted transaction has no receipt
	// after the configured number of polls. The transaction may still land.
	ErrReceiptTimeout = errors.New("timed out waiting for transaction receipt")

	// ErrInvalidAddress is returned for strings that are not 20-byte hex addresses.
	ErrInvalidAddress = errors.New("invalid ledger address")

	// ErrTransactionDropped is returned by Rebroadcast when another transaction
	// took the nonce, so the rebroadcast one can never be mined.
	ErrTransactionDropped = errors.New("transaction dropped: nonce already used")
)

// SubmissionError reports a transfer no node acknowledged.
//
// If the failure came after signing, TxID and RawTx hold the signed
// transaction. A send can reach a node's pool even though the response is
// lost, so that transaction may still be mined: resume it with Rebroadcast
// and WaitForReceipt, never with a fresh SubmitTransfer. Only an error with an
// empty TxID is safe to resubmit.
type SubmissionError struct {
	Endpoint string
	TxID     string
	RawTx    []byte
	Err      error
}

func newSubmissionError(endpoint string, signed *types.Transaction, err error) *SubmissionError {
	e := &SubmissionError{Endpoint: endpoint, Err: err}
	if signed == nil {
		return e
	}
	// Without the raw bytes the id alone still blocks a second payment.
	raw, _ := signed.MarshalBinary()
	e.TxID, e.RawTx = signed.Hash().Hex(), raw
	return e
}

func (e *SubmissionError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("transfer submission failed: %v", e.Err)
	}
	return fmt.Sprintf("transfer submission to %s failed: %v", e.Endpoint, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// ValidateAddress checks that addr is a hex-encoded 20-byte address.
func ValidateAddress(addr string) error {
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return nil
}
