package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/setavenger/blindbit-electrum/internal/logging"
)

// NewRouter wires every REST route onto a gin engine.
func NewRouter(api *ApiHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger)
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: true,
	}))
	router.NoRoute(noRoute)

	router.GET("/health", api.GetHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/blocks", api.GetBlocks)
	router.GET("/blocks/:start_height", api.GetBlocks)
	router.GET("/blocks/tip/hash", api.GetTipHash)
	router.GET("/blocks/tip/height", api.GetTipHeight)
	router.GET("/block-height/:height", api.FetchHeaderMiddleware, api.GetBlockHashByHeight)

	block := router.Group("/block/:hash", api.FetchHeaderMiddleware)
	block.GET("", api.GetBlock)
	block.GET("/header", api.GetBlockHeader)
	block.GET("/status", api.GetBlockStatus)
	block.GET("/txids", api.GetBlockTxids)
	block.GET("/txs", api.GetBlockTxs)
	block.GET("/txs/:start_index", api.GetBlockTxs)

	script := router.Group("/scripthash/:hash", ScriptHashMiddleware)
	script.GET("", api.GetScriptHash)
	script.GET("/txs", api.GetScriptHashTxs)
	script.GET("/txs/chain", api.GetScriptHashChainTxs)
	script.GET("/txs/chain/:last_seen", api.GetScriptHashChainTxs)
	script.GET("/txs/mempool", api.GetScriptHashMempoolTxs)
	script.GET("/utxo", api.GetScriptHashUTXOs)

	tx := router.Group("/tx/:txid", TxidMiddleware)
	tx.GET("", api.GetTx)
	tx.GET("/hex", api.GetTxHex)
	tx.GET("/raw", api.GetTxRaw)
	tx.GET("/status", api.GetTxStatus)
	tx.GET("/merkle-proof", api.GetTxMerkleProof)
	tx.GET("/outspend/:vout", api.GetTxOutspend)
	tx.GET("/outspends", api.GetTxOutspends)
	router.POST("/tx", api.PostTx)
	router.GET("/broadcast", api.GetBroadcast)

	router.GET("/mempool", api.GetMempool)
	router.GET("/mempool/txids", api.GetMempoolTxids)
	router.GET("/mempool/recent", api.GetMempoolRecent)
	router.GET("/fee-estimates", api.GetFeeEstimates)

	return router
}

// requestLogger sends gin's access log through the shared logger at debug level.
func requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	logging.L.Debug().
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", c.Writer.Status()).
		Dur("took", time.Since(start)).
		Msg("http request")
}

// RunServer serves the REST API on host until ctx is cancelled.
func RunServer(ctx context.Context, host string, api *ApiHandler) error {
	srv := &http.Server{
		Addr:              host,
		Handler:           NewRouter(api),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.L.Info().Str("host", host).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logging.L.Err(err).Msg("could not run server")
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.L.Warn().Err(err).Msg("http server shutdown")
	}
	return nil
}
