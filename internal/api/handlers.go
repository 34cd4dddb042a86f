package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"arbiter-escrow/internal/attestation"
	"arbiter-escrow/internal/chain"
	"arbiter-escrow/internal/compensation"
	"arbiter-escrow/internal/escrow"
	"arbiter-escrow/internal/policy"
	"arbiter-escrow/internal/protoerr"
	"arbiter-escrow/internal/stake"
)

type identityDTO struct {
	Address    common.Address `json:"address"`
	BTCAddress string         `json:"btcAddress"`
	BTCPubKey  hexutil.Bytes  `json:"btcPubKey"`
}

func (d *identityDTO) identity() chain.Identity {
	if d == nil {
		return chain.Identity{}
	}
	return chain.Identity{Address: d.Address, BTCAddress: d.BTCAddress, BTCPubKey: d.BTCPubKey}
}

type utxoDTO struct {
	TxID   string        `json:"txid"`
	Vout   uint32        `json:"vout"`
	Amount int64         `json:"amount"`
	Script hexutil.Bytes `json:"script,omitempty"`
}

// ---- policy ----

type policyResponse struct {
	Owner        common.Address    `json:"owner"`
	FeeCollector common.Address    `json:"feeCollector"`
	Values       map[string]string `json:"values"`
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Policy()
	values := make(map[string]string, len(snap.Values))
	for k, v := range snap.Values {
		values[string(k)] = v.String()
	}
	writeJSON(w, http.StatusOK, policyResponse{
		Owner:        s.engine.PolicyOwner(),
		FeeCollector: snap.FeeCollector,
		Values:       values,
	})
}

func (s *Server) setPolicy(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var body struct {
		Values map[string]decimal.Decimal `json:"values"`
	}
	if !decode(w, r, &body) {
		return
	}
	names := make([]string, 0, len(body.Values))
	for name := range body.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	keys := make([]policy.Key, len(names))
	values := make([]decimal.Decimal, len(names))
	for i, name := range names {
		keys[i] = policy.Key(name)
		values[i] = body.Values[name]
	}
	if err := s.engine.SetParameters(who, keys, values); err != nil {
		s.fail(w, err)
		return
	}
	s.getPolicy(w, r)
}

func (s *Server) setFeeCollector(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var body struct {
		Collector common.Address `json:"collector"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.engine.SetFeeCollector(who, body.Collector); err != nil {
		s.fail(w, err)
		return
	}
	s.getPolicy(w, r)
}

func (s *Server) transferOwnership(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var body struct {
		Owner common.Address `json:"owner"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.engine.TransferOwnership(who, body.Owner); err != nil {
		s.fail(w, err)
		return
	}
	s.getPolicy(w, r)
}

// ---- arbiters ----

type registerArbiterRequest struct {
	Coin     decimal.Decimal `json:"coin"`
	Assets   []chain.Asset   `json:"assets"`
	Operator *identityDTO    `json:"operator"`
	Revenue  *identityDTO    `json:"revenue"`
	FeeRate  uint32          `json:"feeRate"`
	Deadline time.Time       `json:"deadline"`
}

func (s *Server) registerArbiter(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var body registerArbiterRequest
	if !decode(w, r, &body) {
		return
	}
	a, err := s.engine.RegisterByStake(stake.Registration{
		Arbiter:  who,
		Coin:     body.Coin,
		Assets:   body.Assets,
		Operator: body.Operator.identity(),
		Revenue:  body.Revenue.identity(),
		FeeRate:  body.FeeRate,
		Deadline: body.Deadline,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) listArbiters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Arbiters())
}

type arbiterResponse struct {
	stake.Arbiter
	Active         bool            `json:"active"`
	Frozen         bool            `json:"frozen"`
	Modifiable     bool            `json:"configModifiable"`
	AvailableStake decimal.Decimal `json:"availableStake"`
}

func (s *Server) getArbiter(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	a, err := s.engine.Arbiter(addr)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, arbiterResponse{
		Arbiter:        a,
		Active:         s.engine.IsActive(addr),
		Frozen:         s.engine.IsFrozen(addr),
		Modifiable:     s.engine.IsConfigModifiable(addr),
		AvailableStake: s.engine.AvailableStake(addr),
	})
}

func (s *Server) addStake(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var body struct {
		Coin   decimal.Decimal `json:"coin"`
		Assets []chain.Asset   `json:"assets"`
	}
	if !decode(w, r, &body) {
		return
	}
	a, err := s.engine.AddStake(who, body.Coin, body.Assets)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) unstake(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	out, err := s.engine.Unstake(who)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) setOperator(w http.ResponseWriter, r *http.Request) {
	s.setIdentity(w, r, s.engine.SetOperator)
}

func (s *Server) setRevenue(w http.ResponseWriter, r *http.Request) {
	s.setIdentity(w, r, s.engine.SetRevenue)
}

func (s *Server) setIdentity(w http.ResponseWriter, r *http.Request, apply func(common.Address, chain.Identity) (stake.Arbiter, error)) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var body identityDTO
	if !decode(w, r, &body) {
		return
	}
	a, err := apply(who, body.identity())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) setParams(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var body struct {
		FeeRate  uint32    `json:"feeRate"`
		Deadline time.Time `json:"deadline"`
	}
	if !decode(w, r, &body) {
		return
	}
	a, err := s.engine.SetParams(who, body.FeeRate, body.Deadline)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.engine.Pause)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.engine.Resume)
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request, apply func(common.Address) (stake.Arbiter, error)) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	a, err := apply(who)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// ---- transactions ----

func (s *Server) quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	raw := q.Get("arbiter")
	if !common.IsHexAddress(raw) {
		badRequest(w, "arbiter must be a hex address")
		return
	}
	deadline, err := time.Parse(time.RFC3339, q.Get("deadline"))
	if err != nil {
		badRequest(w, "deadline must be RFC3339: %v", err)
		return
	}
	out, err := s.engine.QuoteFee(common.HexToAddress(raw), deadline)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type registerTransactionRequest struct {
	Arbiter                     common.Address  `json:"arbiter"`
	Deadline                    time.Time       `json:"deadline"`
	Fee                         decimal.Decimal `json:"fee"`
	CompensationReceiver        common.Address  `json:"compensationReceiver"`
	TimeoutCompensationReceiver common.Address  `json:"timeoutCompensationReceiver"`
}

func (s *Server) registerTransaction(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var body registerTransactionRequest
	if !decode(w, r, &body) {
		return
	}
	tx, err := s.engine.RegisterTransaction(escrow.RegisterParams{
		Dapp:                        who,
		Arbiter:                     body.Arbiter,
		Deadline:                    body.Deadline,
		Fee:                         body.Fee,
		CompensationReceiver:        body.CompensationReceiver,
		TimeoutCompensationReceiver: body.TimeoutCompensationReceiver,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Transactions())
}

func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathHash(w, r, "id")
	if !ok {
		return
	}
	tx, err := s.engine.Transaction(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) requestArbitration(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathHash(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		UnsignedPayload hexutil.Bytes `json:"unsignedPayload"`
		LockingScript   hexutil.Bytes `json:"lockingScript"`
		UTXOs           []utxoDTO     `json:"utxos"`
	}
	if !decode(w, r, &body) {
		return
	}
	utxos := make([]chain.UTXO, len(body.UTXOs))
	for i, u := range body.UTXOs {
		utxos[i] = chain.UTXO{TxID: u.TxID, Vout: u.Vout, Amount: u.Amount, Script: u.Script}
	}
	tx, err := s.engine.RequestArbitration(who, id, escrow.ArbitrationRequest{
		UnsignedPayload: body.UnsignedPayload,
		LockingScript:   body.LockingScript,
		UTXOs:           utxos,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) submitArbitration(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathHash(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Signature hexutil.Bytes `json:"signature"`
	}
	if !decode(w, r, &body) {
		return
	}
	tx, err := s.engine.SubmitArbitration(who, id, body.Signature)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) completeTransaction(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathHash(w, r, "id")
	if !ok {
		return
	}
	out, err := s.engine.CompleteTransaction(who, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- claims ----

type signatureRequestDTO struct {
	Hash       common.Hash   `json:"hash"`
	InputIndex uint32        `json:"inputIndex"`
	Signature  hexutil.Bytes `json:"signature"`
	PublicKey  hexutil.Bytes `json:"publicKey"`
}

type claimRequest struct {
	Type          string               `json:"type"`
	TransactionID common.Hash          `json:"transactionId"`
	Arbiter       common.Address       `json:"arbiter"`
	Evidence      common.Hash          `json:"evidence"`
	Receiver      common.Address       `json:"receiver"`
	Attestation   *signatureRequestDTO `json:"attestation"`
}

func (c claimRequest) request() (compensation.Request, error) {
	typ, ok := compensation.ParseClaimType(c.Type)
	if !ok {
		return nil, protoerr.ErrUnknownClaimType
	}
	switch typ {
	case compensation.IllegalSignature:
		return compensation.IllegalSignatureRequest{Arbiter: c.Arbiter, Evidence: c.Evidence, Receiver: c.Receiver}, nil
	case compensation.Timeout:
		return compensation.TimeoutRequest{TransactionID: c.TransactionID}, nil
	case compensation.FailedArbitration:
		req := compensation.FailedArbitrationRequest{TransactionID: c.TransactionID}
		if c.Attestation != nil {
			req.Attestation = attestation.SignatureRequest{
				Hash:       c.Attestation.Hash,
				InputIndex: c.Attestation.InputIndex,
				Signature:  c.Attestation.Signature,
				PublicKey:  c.Attestation.PublicKey,
			}
		}
		return req, nil
	default:
		return compensation.ArbitratorFeeRequest{TransactionID: c.TransactionID}, nil
	}
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var body claimRequest
	if !decode(w, r, &body) {
		return
	}
	req, err := body.request()
	if err != nil {
		s.fail(w, err)
		return
	}
	c, err := s.engine.Claim(who, req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) listClaims(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Claims())
}

func (s *Server) getClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := pathHash(w, r, "id")
	if !ok {
		return
	}
	c, err := s.engine.ClaimByID(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathHash(w, r, "id")
	if !ok {
		return
	}
	body := struct {
		Fee decimal.Decimal `json:"fee"`
	}{}
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	out, err := s.engine.Withdraw(who, id, body.Fee)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- evidence and balances ----

func (s *Server) requestEvidence(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Evidence common.Hash `json:"evidence"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Evidence == (common.Hash{}) {
		badRequest(w, "evidence is required")
		return
	}
	queued := s.engine.RequestEvidence(body.Evidence)
	status := http.StatusAccepted
	if !queued {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"evidence": body.Evidence, "queued": queued})
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	for _, acct := range s.engine.Accounts() {
		if acct.Address == addr {
			writeJSON(w, http.StatusOK, acct)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr, "balance": s.engine.Balance(addr)})
}
