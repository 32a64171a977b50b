package server

import (
	"net/http"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/gin-gonic/gin"
	"github.com/setavenger/blindbit-electrum/internal/logging"
	"github.com/setavenger/blindbit-electrum/internal/types"
)

// gin context keys set by the middlewares
const (
	ctxHeader     = "header"
	ctxScriptHash = "scripthash"
	ctxTxid       = "txid"
)

func abort(c *gin.Context, err error) {
	fail(c, err)
	c.Abort()
}

// FetchHeaderMiddleware resolves :height or :hash into the indexed header.
func (h *ApiHandler) FetchHeaderMiddleware(c *gin.Context) {
	var (
		header *types.BlockHeader
		err    error
	)
	if heightStr := c.Param("height"); heightStr != "" {
		height, perr := strconv.ParseUint(heightStr, 10, 32)
		if perr != nil {
			logging.L.Debug().Err(perr).Msg("could not parse block height")
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not parse block height"})
			c.Abort()
			return
		}
		header, err = h.q.Header(uint32(height))
	} else {
		hash, perr := chainhash.NewHashFromStr(c.Param("hash"))
		if perr != nil || len(c.Param("hash")) != 2*chainhash.HashSize {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not parse block hash"})
			c.Abort()
			return
		}
		header, err = h.q.HeaderByHash(hash)
	}
	if err != nil {
		abort(c, err)
		return
	}

	c.Set(ctxHeader, header)
	c.Next()
}

func ScriptHashMiddleware(c *gin.Context) {
	sh, err := types.ScriptHashFromHex(c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not parse scripthash"})
		c.Abort()
		return
	}
	c.Set(ctxScriptHash, sh)
	c.Next()
}

func TxidMiddleware(c *gin.Context) {
	s := c.Param("txid")
	txid, err := chainhash.NewHashFromStr(s)
	if err != nil || len(s) != 2*chainhash.HashSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not parse txid"})
		c.Abort()
		return
	}
	c.Set(ctxTxid, txid)
	c.Next()
}

func noRoute(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
}
