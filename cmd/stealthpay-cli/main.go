package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"stealthpay/crypto"
)

var apiEndpoint = defaultAPIEndpoint()

func defaultAPIEndpoint() string {
	if endpoint := strings.TrimSpace(os.Getenv("STEALTHPAY_API")); endpoint != "" {
		return endpoint
	}
	return "http://localhost:7600"
}

func passphrase() string {
	return os.Getenv("STEALTHPAY_KEYSTORE_PASSPHRASE")
}

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		printUsage()
		return
	}

	switch args[0] {
	case "generate-keys":
		if len(args) < 2 {
			fmt.Println("Error: Please provide a keystore directory.")
			printUsage()
			return
		}
		generateKeys(args[1])
	case "register":
		if len(args) < 2 {
			fmt.Println("Error: Please provide a keystore directory.")
			printUsage()
			return
		}
		register(args[1], args[2:])
	case "recover-key":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a keystore directory and a nonce.")
			printUsage()
			return
		}
		nonce, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			fmt.Println("Error: Invalid nonce.")
			return
		}
		recoverKey(args[1], nonce)
	case "session":
		if len(args) < 2 {
			fmt.Println("Error: Please provide a payment id.")
			printUsage()
			return
		}
		showSession(args[1])
	default:
		fmt.Printf("Unknown command: %s\n", args[0])
		printUsage()
	}
}

func printUsage() {
	fmt.Println("Usage: stealthpay-cli <command> [args]")
	fmt.Println("Commands:")
	fmt.Println("  generate-keys <dir>             Generate spending and viewing keypairs into keystore files")
	fmt.Println("  register <dir> [token...]       Register the merchant with the payment service")
	fmt.Println("  recover-key <dir> <nonce>       Recover the stealth private key for a derivation nonce")
	fmt.Println("  session <payment-id>            Show a payment session")
	fmt.Println("Environment:")
	fmt.Println("  STEALTHPAY_API                  Service endpoint (default http://localhost:7600)")
	fmt.Println("  STEALTHPAY_KEYSTORE_PASSPHRASE  Passphrase protecting the keystore files")
}

func spendingPath(dir string) string { return filepath.Join(dir, "spending.json") }
func viewingPath(dir string) string  { return filepath.Join(dir, "viewing.json") }

func generateKeys(dir string) {
	for _, path := range []string{spendingPath(dir), viewingPath(dir)} {
		if _, err := os.Stat(path); err == nil {
			fmt.Printf("Error: %s already exists; refusing to overwrite.\n", path)
			return
		}
	}
	spending, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Printf("Error generating spending key: %v\n", err)
		return
	}
	viewing, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Printf("Error generating viewing key: %v\n", err)
		return
	}
	if err := crypto.SaveToKeystore(spendingPath(dir), spending, passphrase()); err != nil {
		fmt.Printf("Error saving spending keystore: %v\n", err)
		return
	}
	if err := crypto.SaveToKeystore(viewingPath(dir), viewing, passphrase()); err != nil {
		fmt.Printf("Error saving viewing keystore: %v\n", err)
		return
	}
	handle, err := crypto.HandleFromSpendingKey(spending.PubKey())
	if err != nil {
		fmt.Printf("Error deriving handle: %v\n", err)
		return
	}
	fmt.Println("Keys written.")
	fmt.Printf("  Merchant handle: %s\n", handle.String())
	fmt.Printf("  Spending pub:    %s\n", hexutil.Encode(spending.PubKey().Compressed()))
	fmt.Printf("  Keystore dir:    %s\n", dir)
}

func loadKeys(dir string) (*crypto.PrivateKey, *crypto.PrivateKey, error) {
	spending, err := crypto.LoadFromKeystore(spendingPath(dir), passphrase())
	if err != nil {
		return nil, nil, fmt.Errorf("load spending keystore: %w", err)
	}
	viewing, err := crypto.LoadFromKeystore(viewingPath(dir), passphrase())
	if err != nil {
		return nil, nil, fmt.Errorf("load viewing keystore: %w", err)
	}
	return spending, viewing, nil
}

// register uploads the viewing key and spending public key. The spending
// private key stays in the local keystore.
func register(dir string, tokens []string) {
	spending, viewing, err := loadKeys(dir)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	payload := map[string]any{
		"viewing_key":  hexutil.Encode(viewing.Bytes()),
		"spending_pub": hexutil.Encode(spending.PubKey().Compressed()),
		"tokens":       tokens,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		fmt.Printf("Error encoding request: %v\n", err)
		return
	}
	resp, err := http.Post(apiEndpoint+"/v1/merchants", "application/json", bytes.NewReader(raw))
	if err != nil {
		fmt.Printf("Error calling service: %v\n", err)
		return
	}
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		return
	}
	if resp.StatusCode != http.StatusCreated {
		fmt.Printf("Service error: %s\n", body["error"])
		return
	}
	fmt.Printf("Merchant registered: %s\n", body["merchant_id"])
}

func recoverKey(dir string, nonce uint64) {
	spending, viewing, err := loadKeys(dir)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	stealthKey, err := crypto.RecoverStealthKey(spending, viewing, nonce)
	if err != nil {
		fmt.Printf("Error recovering stealth key: %v\n", err)
		return
	}
	fmt.Printf("Stealth address: %s\n", stealthKey.PubKey().Address().Hex())
	fmt.Printf("Private key:     %s\n", hexutil.Encode(stealthKey.Bytes()))
}

func showSession(paymentID string) {
	resp, err := http.Get(apiEndpoint + "/v1/sessions/" + paymentID)
	if err != nil {
		fmt.Printf("Error calling service: %v\n", err)
		return
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Printf("Error decoding response: %v\n", err)
		return
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("Service error: %v\n", body["error"])
		return
	}
	pretty, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		fmt.Printf("Error formatting response: %v\n", err)
		return
	}
	fmt.Println(string(pretty))
}
