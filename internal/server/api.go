package server

import (
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/gin-gonic/gin"
	"github.com/setavenger/blindbit-electrum/internal/chain"
	"github.com/setavenger/blindbit-electrum/internal/config"
	"github.com/setavenger/blindbit-electrum/internal/indexer"
	"github.com/setavenger/blindbit-electrum/internal/logging"
	"github.com/setavenger/blindbit-electrum/internal/query"
	"github.com/setavenger/blindbit-electrum/internal/types"
)

// Page sizes of the list endpoints.
const (
	blocksPerPage   = 10
	chainTxsPerPage = 25
	maxMempoolTxs   = 50
	blockTxsPerPage = 25
)

// StatusSource reports the indexer state for /health.
type StatusSource interface {
	Status() indexer.Status
}

// ApiHandler serves an esplora style REST API from the query engine.
type ApiHandler struct {
	q      *query.Engine
	status StatusSource
	chain  config.Chain
}

func NewApiHandler(q *query.Engine, status StatusSource, chain config.Chain) *ApiHandler {
	return &ApiHandler{q: q, status: status, chain: chain}
}

// fail writes the HTTP error matching err.
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, query.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "index unavailable"})
	case errors.Is(err, query.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, query.ErrBadRequest), errors.Is(err, chain.ErrRejected):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logging.L.Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not retrieve data"})
	}
}

type healthResponse struct {
	Version string  `json:"version"`
	Network string  `json:"network"`
	State   string  `json:"state"`
	Height  *uint32 `json:"height"`
	Stalled bool    `json:"stalled"`
	Error   string  `json:"error,omitempty"`
}

func (h *ApiHandler) GetHealth(c *gin.Context) {
	st := h.status.Status()
	resp := healthResponse{
		Version: config.ServerVersion,
		Network: h.chain.String(),
		State:   st.State.String(),
		Stalled: st.Stalled,
	}
	if st.Tip != nil {
		resp.Height = &st.Tip.Height
	}
	code := http.StatusOK
	if st.Err != nil {
		resp.Error = st.Err.Error()
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (h *ApiHandler) GetTipHash(c *gin.Context) {
	tip, err := h.q.Tip()
	if err != nil {
		fail(c, err)
		return
	}
	c.String(http.StatusOK, tip.Hash.String())
}

func (h *ApiHandler) GetTipHeight(c *gin.Context) {
	tip, err := h.q.Tip()
	if err != nil {
		fail(c, err)
		return
	}
	c.String(http.StatusOK, strconv.FormatUint(uint64(tip.Height), 10))
}

func (h *ApiHandler) GetBlockHashByHeight(c *gin.Context) {
	header := c.MustGet(ctxHeader).(*types.BlockHeader)
	c.String(http.StatusOK, header.Hash.String())
}

type blockResponse struct {
	ID                string `json:"id"`
	Height            uint32 `json:"height"`
	Timestamp         int64  `json:"timestamp"`
	MerkleRoot        string `json:"merkle_root"`
	PreviousBlockHash string `json:"previousblockhash"`
	TxCount           int    `json:"tx_count"`
}

func (h *ApiHandler) block(header *types.BlockHeader) (*blockResponse, error) {
	txids, err := h.q.BlockTxids(&header.Hash)
	if err != nil {
		return nil, err
	}
	return &blockResponse{
		ID:                header.Hash.String(),
		Height:            header.Height,
		Timestamp:         header.Timestamp.Unix(),
		MerkleRoot:        header.MerkleRoot.String(),
		PreviousBlockHash: header.PrevHash.String(),
		TxCount:           len(txids),
	}, nil
}

func (h *ApiHandler) GetBlock(c *gin.Context) {
	resp, err := h.block(c.MustGet(ctxHeader).(*types.BlockHeader))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetBlocks lists up to ten blocks walking down from :start_height, or from the tip.
func (h *ApiHandler) GetBlocks(c *gin.Context) {
	var start uint32
	if s := c.Param("start_height"); s != "" {
		height, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not parse start height"})
			return
		}
		start = uint32(height)
	} else {
		tip, err := h.q.Tip()
		if err != nil {
			fail(c, err)
			return
		}
		start = tip.Height
	}

	out := make([]*blockResponse, 0, blocksPerPage)
	for height := int64(start); height >= 0 && len(out) < blocksPerPage; height-- {
		header, err := h.q.Header(uint32(height))
		if err != nil {
			fail(c, err)
			return
		}
		resp, err := h.block(header)
		if err != nil {
			fail(c, err)
			return
		}
		out = append(out, resp)
	}
	c.JSON(http.StatusOK, out)
}

func (h *ApiHandler) GetBlockHeader(c *gin.Context) {
	header := c.MustGet(ctxHeader).(*types.BlockHeader)
	c.String(http.StatusOK, header.Hex())
}

type blockStatus struct {
	InBestChain bool    `json:"in_best_chain"`
	Height      uint32  `json:"height"`
	NextBest    *string `json:"next_best"`
}

func (h *ApiHandler) GetBlockStatus(c *gin.Context) {
	header := c.MustGet(ctxHeader).(*types.BlockHeader)
	st := blockStatus{InBestChain: true, Height: header.Height}
	next, err := h.q.Header(header.Height + 1)
	switch {
	case err == nil:
		s := next.Hash.String()
		st.NextBest = &s
	case !errors.Is(err, query.ErrNotFound):
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *ApiHandler) GetBlockTxids(c *gin.Context) {
	header := c.MustGet(ctxHeader).(*types.BlockHeader)
	txids, err := h.q.BlockTxids(&header.Hash)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]string, len(txids))
	for i := range txids {
		out[i] = txids[i].String()
	}
	c.JSON(http.StatusOK, out)
}

// GetBlockTxs returns a page of full transactions of the block from :start_index.
func (h *ApiHandler) GetBlockTxs(c *gin.Context) {
	header := c.MustGet(ctxHeader).(*types.BlockHeader)
	txids, err := h.q.BlockTxids(&header.Hash)
	if err != nil {
		fail(c, err)
		return
	}
	start := 0
	if s := c.Param("start_index"); s != "" {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not parse start index"})
			return
		}
		start = int(n)
	}
	if start >= len(txids) {
		c.JSON(http.StatusNotFound, gin.H{"error": "start index out of range"})
		return
	}
	if start%blockTxsPerPage != 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start index must be a multiple of " + strconv.Itoa(blockTxsPerPage)})
		return
	}

	end := min(start+blockTxsPerPage, len(txids))
	out := make([]*txResponse, 0, end-start)
	for i := start; i < end; i++ {
		resp, err := h.tx(&txids[i])
		if err != nil {
			fail(c, err)
			return
		}
		out = append(out, resp)
	}
	c.JSON(http.StatusOK, out)
}

type txoStats struct {
	FundedTxoCount int    `json:"funded_txo_count"`
	FundedTxoSum   uint64 `json:"funded_txo_sum"`
	SpentTxoCount  int    `json:"spent_txo_count"`
	SpentTxoSum    uint64 `json:"spent_txo_sum"`
	TxCount        int    `json:"tx_count"`
}

type scripthashResponse struct {
	ScriptHash   string   `json:"scripthash"`
	ChainStats   txoStats `json:"chain_stats"`
	MempoolStats txoStats `json:"mempool_stats"`
}

func (h *ApiHandler) GetScriptHash(c *gin.Context) {
	sh := c.MustGet(ctxScriptHash).(types.ScriptHash)
	st, err := h.q.Stats(sh)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, scripthashResponse{
		ScriptHash: sh.String(),
		ChainStats: txoStats{
			FundedTxoCount: st.ChainFunded.Count,
			FundedTxoSum:   st.ChainFunded.Sum,
			SpentTxoCount:  st.ChainSpent.Count,
			SpentTxoSum:    st.ChainSpent.Sum,
			TxCount:        st.ChainTxs,
		},
		MempoolStats: txoStats{
			FundedTxoCount: st.MempoolFunded.Count,
			FundedTxoSum:   st.MempoolFunded.Sum,
			SpentTxoCount:  st.MempoolSpent.Count,
			SpentTxoSum:    st.MempoolSpent.Sum,
			TxCount:        st.MempoolTxs,
		},
	})
}

type txStatus struct {
	Confirmed   bool    `json:"confirmed"`
	BlockHeight *uint32 `json:"block_height,omitempty"`
	BlockHash   *string `json:"block_hash,omitempty"`
	BlockTime   *int64  `json:"block_time,omitempty"`
}

func newTxStatus(st *query.TxStatus) txStatus {
	if st == nil || !st.Confirmed {
		return txStatus{}
	}
	hash := st.BlockHash.String()
	t := st.BlockTime.Unix()
	height := st.Height
	return txStatus{Confirmed: true, BlockHeight: &height, BlockHash: &hash, BlockTime: &t}
}

type historyTx struct {
	Txid   string   `json:"txid"`
	Status txStatus `json:"status"`
	Fee    *uint64  `json:"fee,omitempty"`
}

// newestFirst reverses items and keeps at most limit of them.
func newestFirst(items []types.HistoryItem, limit int) []types.HistoryItem {
	out := make([]types.HistoryItem, 0, min(len(items), limit))
	for i := len(items) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, items[i])
	}
	return out
}

// historyResponse writes items in the given order.
func (h *ApiHandler) historyResponse(c *gin.Context, items []types.HistoryItem) {
	out := make([]historyTx, 0, len(items))
	for _, item := range items {
		tx := historyTx{Txid: item.Txid.String()}
		if item.Confirmed {
			st, err := h.q.TxStatus(&item.Txid)
			if err != nil {
				fail(c, err)
				return
			}
			tx.Status = newTxStatus(st)
		} else {
			fee := item.Fee
			tx.Fee = &fee
		}
		out = append(out, tx)
	}
	c.JSON(http.StatusOK, out)
}

// GetScriptHashTxs returns up to 50 unconfirmed transactions followed by the
// first page of confirmed ones, newest first.
func (h *ApiHandler) GetScriptHashTxs(c *gin.Context) {
	sh := c.MustGet(ctxScriptHash).(types.ScriptHash)
	mem, err := h.q.MempoolHistory(sh)
	if err != nil {
		fail(c, err)
		return
	}
	confirmed, err := h.q.ChainHistory(sh, nil, chainTxsPerPage)
	if err != nil {
		fail(c, err)
		return
	}
	h.historyResponse(c, append(newestFirst(mem, maxMempoolTxs), confirmed...))
}

// GetScriptHashChainTxs pages through the confirmed history after :last_seen.
func (h *ApiHandler) GetScriptHashChainTxs(c *gin.Context) {
	sh := c.MustGet(ctxScriptHash).(types.ScriptHash)
	var lastSeen *chainhash.Hash
	if s := c.Param("last_seen"); s != "" {
		txid, err := chainhash.NewHashFromStr(s)
		if err != nil || len(s) != 2*chainhash.HashSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not parse last seen txid"})
			return
		}
		lastSeen = txid
	}
	items, err := h.q.ChainHistory(sh, lastSeen, chainTxsPerPage)
	if err != nil {
		fail(c, err)
		return
	}
	h.historyResponse(c, items)
}

func (h *ApiHandler) GetScriptHashMempoolTxs(c *gin.Context) {
	sh := c.MustGet(ctxScriptHash).(types.ScriptHash)
	items, err := h.q.MempoolHistory(sh)
	if err != nil {
		fail(c, err)
		return
	}
	h.historyResponse(c, newestFirst(items, maxMempoolTxs))
}

type utxoResponse struct {
	Txid   string   `json:"txid"`
	Vout   uint32   `json:"vout"`
	Value  uint64   `json:"value"`
	Status txStatus `json:"status"`
}

func (h *ApiHandler) GetScriptHashUTXOs(c *gin.Context) {
	sh := c.MustGet(ctxScriptHash).(types.ScriptHash)
	utxos, err := h.q.UTXOs(sh)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]utxoResponse, len(utxos))
	for i, u := range utxos {
		out[i] = utxoResponse{Txid: u.Txid.String(), Vout: u.Vout, Value: u.Value}
		if !u.Confirmed {
			continue
		}
		st, err := h.q.TxStatus(&u.Txid)
		if err != nil {
			fail(c, err)
			return
		}
		out[i].Status = newTxStatus(st)
	}
	c.JSON(http.StatusOK, out)
}

type vinResponse struct {
	Txid     string `json:"txid"`
	Vout     uint32 `json:"vout"`
	Sequence uint32 `json:"sequence"`
	Coinbase bool   `json:"is_coinbase"`
}

type voutResponse struct {
	ScriptPubKey string `json:"scriptpubkey"`
	Value        int64  `json:"value"`
}

type txResponse struct {
	Txid     string         `json:"txid"`
	Version  int32          `json:"version"`
	Locktime uint32         `json:"locktime"`
	Size     int            `json:"size"`
	Weight   int            `json:"weight"`
	Vin      []vinResponse  `json:"vin"`
	Vout     []voutResponse `json:"vout"`
	Status   txStatus       `json:"status"`
}

func (h *ApiHandler) tx(txid *chainhash.Hash) (*txResponse, error) {
	msg, tx, err := h.q.MsgTx(txid)
	if err != nil {
		return nil, err
	}
	resp := &txResponse{
		Txid:     txid.String(),
		Version:  msg.Version,
		Locktime: msg.LockTime,
		Size:     len(tx.Raw),
		Weight:   msg.SerializeSizeStripped()*3 + msg.SerializeSize(),
	}
	for _, in := range msg.TxIn {
		resp.Vin = append(resp.Vin, vinResponse{
			Txid:     in.PreviousOutPoint.Hash.String(),
			Vout:     in.PreviousOutPoint.Index,
			Sequence: in.Sequence,
			Coinbase: in.PreviousOutPoint.Index == wire.MaxPrevOutIndex && in.PreviousOutPoint.Hash == chainhash.Hash{},
		})
	}
	for _, out := range msg.TxOut {
		resp.Vout = append(resp.Vout, voutResponse{ScriptPubKey: hex.EncodeToString(out.PkScript), Value: out.Value})
	}
	if tx.Height != nil {
		st, err := h.q.TxStatus(txid)
		if err != nil {
			return nil, err
		}
		resp.Status = newTxStatus(st)
	}
	return resp, nil
}

func (h *ApiHandler) GetTx(c *gin.Context) {
	resp, err := h.tx(c.MustGet(ctxTxid).(*chainhash.Hash))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ApiHandler) GetTxHex(c *gin.Context) {
	txid := c.MustGet(ctxTxid).(*chainhash.Hash)
	tx, err := h.q.Transaction(txid)
	if err != nil {
		fail(c, err)
		return
	}
	c.String(http.StatusOK, hex.EncodeToString(tx.Raw))
}

func (h *ApiHandler) GetTxRaw(c *gin.Context) {
	txid := c.MustGet(ctxTxid).(*chainhash.Hash)
	tx, err := h.q.Transaction(txid)
	if err != nil {
		fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", tx.Raw)
}

func (h *ApiHandler) GetTxStatus(c *gin.Context) {
	txid := c.MustGet(ctxTxid).(*chainhash.Hash)
	st, err := h.q.TxStatus(txid)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newTxStatus(st))
}

type outspendResponse struct {
	Spent  bool      `json:"spent"`
	Txid   *string   `json:"txid,omitempty"`
	Vin    *uint32   `json:"vin,omitempty"`
	Status *txStatus `json:"status,omitempty"`
}

func (h *ApiHandler) GetTxOutspend(c *gin.Context) {
	txid := c.MustGet(ctxTxid).(*chainhash.Hash)
	vout, err := strconv.ParseUint(c.Param("vout"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not parse vout"})
		return
	}
	out, err := h.q.Outspend(txid, uint32(vout))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newOutspend(out))
}

func newOutspend(out *query.Outspend) outspendResponse {
	resp := outspendResponse{Spent: out.Spent}
	if out.Spent {
		s := out.Txid.String()
		vin := out.Vin
		st := newTxStatus(out.Status)
		resp.Txid, resp.Vin, resp.Status = &s, &vin, &st
	}
	return resp
}

func (h *ApiHandler) GetTxOutspends(c *gin.Context) {
	txid := c.MustGet(ctxTxid).(*chainhash.Hash)
	spends, err := h.q.Outspends(txid)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]outspendResponse, len(spends))
	for i, sp := range spends {
		out[i] = newOutspend(sp)
	}
	c.JSON(http.StatusOK, out)
}

type merkleProofResponse struct {
	BlockHeight uint32   `json:"block_height"`
	Merkle      []string `json:"merkle"`
	Pos         uint32   `json:"pos"`
}

func (h *ApiHandler) GetTxMerkleProof(c *gin.Context) {
	txid := c.MustGet(ctxTxid).(*chainhash.Hash)
	proof, err := h.q.MerkleProof(txid)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newMerkleProof(proof))
}

func newMerkleProof(p *query.MerkleProof) merkleProofResponse {
	merkle := make([]string, len(p.Branch))
	for i := range p.Branch {
		merkle[i] = p.Branch[i].String()
	}
	return merkleProofResponse{BlockHeight: p.Height, Merkle: merkle, Pos: p.Pos}
}

// PostTx broadcasts the hex transaction in the request body.
func (h *ApiHandler) PostTx(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 4<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
		return
	}
	h.broadcast(c, string(body))
}

// GetBroadcast broadcasts the ?tx= hex transaction, kept for older clients.
func (h *ApiHandler) GetBroadcast(c *gin.Context) {
	txHex, ok := c.GetQuery("tx")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing tx"})
		return
	}
	h.broadcast(c, txHex)
}

func (h *ApiHandler) broadcast(c *gin.Context, txHex string) {
	tx, err := chain.DecodeTxHex(strings.TrimSpace(txHex))
	if err != nil {
		logging.L.Debug().Err(err).Msg("invalid transaction posted")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction"})
		return
	}
	txid, err := h.q.Broadcast(c.Request.Context(), tx)
	if err != nil {
		fail(c, err)
		return
	}
	c.String(http.StatusOK, txid.String())
}

type mempoolResponse struct {
	Count        int          `json:"count"`
	VSize        int64        `json:"vsize"`
	TotalFee     uint64       `json:"total_fee"`
	FeeHistogram [][2]float64 `json:"fee_histogram"`
}

func (h *ApiHandler) GetMempool(c *gin.Context) {
	st, err := h.q.MempoolStats()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, mempoolResponse{Count: st.Count, VSize: st.VSize, TotalFee: st.TotalFee, FeeHistogram: st.FeeHistogram})
}

func (h *ApiHandler) GetMempoolTxids(c *gin.Context) {
	txids, err := h.q.MempoolTxids()
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]string, len(txids))
	for i := range txids {
		out[i] = txids[i].String()
	}
	c.JSON(http.StatusOK, out)
}

type recentTx struct {
	Txid  string `json:"txid"`
	Fee   uint64 `json:"fee"`
	VSize int64  `json:"vsize"`
	Value uint64 `json:"value"`
}

func (h *ApiHandler) GetMempoolRecent(c *gin.Context) {
	txs, err := h.q.MempoolRecent()
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]recentTx, len(txs))
	for i, tx := range txs {
		var value uint64
		for _, o := range tx.Msg.TxOut {
			value += uint64(o.Value)
		}
		out[i] = recentTx{Txid: tx.Txid.String(), Fee: tx.Fee, VSize: tx.VSize, Value: value}
	}
	c.JSON(http.StatusOK, out)
}

func (h *ApiHandler) GetFeeEstimates(c *gin.Context) {
	estimates, err := h.q.FeeEstimates(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	out := make(map[string]float64, len(estimates))
	for target, rate := range estimates {
		out[strconv.FormatUint(uint64(target), 10)] = rate
	}
	c.JSON(http.StatusOK, out)
}
