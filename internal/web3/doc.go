// Package web3 is the boundary between the settlement layer and the wallet
// service that moves funds on chain. It validates EVM addresses and produces
// transaction references for deposits, releases, refunds, slashes and flash
// loan repayments. The bundled SyntheticSettler derives deterministic
// keccak-256 hashes instead of broadcasting transactions.
package web3
