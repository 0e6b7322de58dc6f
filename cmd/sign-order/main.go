package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/uhyunpark/perpsdk/params"
	"github.com/uhyunpark/perpsdk/pkg/crypto"
	"github.com/uhyunpark/perpsdk/pkg/fixed"
	"github.com/uhyunpark/perpsdk/pkg/venue"
)

func main() {
	cfg := params.LoadFromEnv("")

	// Step 1: Load key from PRIVATE_KEY, or generate one
	signer, err := loadSigner()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Address: %s\n\n", signer.Address().Hex())

	// Step 2: Create order
	order := &venue.OrderRequest{
		ClientOrderID: getEnv("ORDER_ID", "cli-1"),
		Account:       signer.Address(),
		Instrument:    getEnv("ORDER_INSTRUMENT", "BTC-USDC"),
		Side:          venue.SideBuy,
		TimeInForce:   venue.TifGTC,
		Size:          fixed.MustParse(getEnv("ORDER_SIZE", "0.0100"), 4),
		Price:         fixed.MustParse(getEnv("ORDER_PRICE", "50000.0"), 1),
		Leverage:      10,
	}
	if os.Getenv("ORDER_SIDE") == "sell" {
		order.Side = venue.SideSell
	}
	nonce, err := strconv.ParseUint(getEnv("ORDER_NONCE", "1"), 10, 64)
	if err != nil {
		fmt.Printf("Error: ORDER_NONCE: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Order Details:")
	fmt.Printf("  Instrument: %s\n", order.Instrument)
	fmt.Printf("  Side: %d\n", order.Side)
	fmt.Printf("  Price: %s\n", order.Price)
	fmt.Printf("  Size: %s\n", order.Size)
	fmt.Printf("  Leverage: %dx\n", order.Leverage)
	fmt.Printf("  Nonce: %d\n\n", nonce)

	// Step 3: Sign order with EIP-712, then bind the nonce
	typed := crypto.NewTypedData(cfg.Domain())
	digest, err := typed.OrderDigest(order)
	if err != nil {
		fmt.Printf("Error hashing: %v\n", err)
		os.Exit(1)
	}
	sig, err := signer.Sign(digest)
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}
	envSig, err := signer.Sign(typed.EnvelopeDigest(sig, nonce))
	if err != nil {
		fmt.Printf("Error signing envelope: %v\n", err)
		os.Exit(1)
	}
	env := &venue.Envelope{
		Type:              venue.RequestOrder,
		Order:             order,
		Signature:         sig,
		Nonce:             nonce,
		EnvelopeSignature: envSig,
	}

	// Step 4: Verify both signatures
	owner, err := typed.RecoverEnvelope(env)
	if err != nil {
		fmt.Printf("✗ Signature INVALID: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✓ Signature VALID")
	fmt.Printf("  Signer: %s\n\n", owner.Hex())

	body, err := env.Serialize()
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}
	if td, err := typed.OrderJSON(order); err == nil {
		fmt.Println("Typed data (eth_signTypedData_v4):")
		fmt.Println(td)
		fmt.Println()
	}

	fmt.Println("To submit this envelope:")
	fmt.Printf("  POST %s%s\n", cfg.Venue.RESTURL, venue.RouteEnvelopes)
	fmt.Println("  Content-Type: application/json")
	fmt.Println("  Body:")
	fmt.Println(string(body))
}

func loadSigner() (*crypto.KeySigner, error) {
	if k := os.Getenv("PRIVATE_KEY"); k != "" {
		return crypto.FromPrivateKeyHex(k)
	}
	fmt.Println("PRIVATE_KEY not set, generating new keypair...")
	s, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	fmt.Printf("Private Key: %s (KEEP SECRET!)\n", s.PrivateKeyHex())
	return s, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
