package database

const (
	SizeHash       = 32
	SizeTxid       = 32
	SizeScriptHash = 32
	SizeHeight     = 4
	SizePos        = 4
	SizeVout       = 4
	SizeAmt        = 8
)

// Prefix Keys "K"
const (
	KHeaderByHeight = 0x01
	KHeaderByHash   = 0x02
	KFunding        = 0x03
	KSpending       = 0x04
	KOutpoint       = 0x05
	KSpender        = 0x06
	KRawTx          = 0x07
	KTxConf         = 0x08
	KBlockTxid      = 0x09
	KUndo           = 0x0A
	KTip            = 0x0B
)

/*

0x01 header:height key = [01][4 heightBE]                                       val = [32 blockHash][80 raw header]
0x02 header:hash   key = [02][32 blockHash]                                     val = [4 heightBE]
0x03 funding       key = [03][32 scripthash][4 heightBE][4 posBE][32 txid][4 voutBE] val = [8 valueBE]
0x04 spending      key = [04][32 scripthash][4 heightBE][4 posBE][32 txid][4 vinBE]  val = [32 prevTxid][4 prevVoutBE][8 valueBE]
0x05 outpoint      key = [05][32 txid][4 voutBE]                                val = [32 scripthash][4 heightBE][8 valueBE]
0x06 spender       key = [06][32 prevTxid][4 prevVoutBE]                        val = [32 txid][4 vinBE][4 heightBE]
0x07 raw tx        key = [07][32 txid]                                          val = zstd(raw tx)
0x08 tx conf       key = [08][32 txid]                                          val = [4 heightBE][4 posBE]
0x09 block txids   key = [09][4 heightBE][4 posBE]                              val = [32 txid]
0x0A undo          key = [0A][4 heightBE]                                       val = encoded UndoLog
0x0B tip           key = [0B]                                                   val = [4 heightBE][32 blockHash]

Hashes are stored in internal byte order. Height before position in the
funding and spending keys makes a prefix scan on a scripthash return its
history in (height, position-within-block) order.

*/
