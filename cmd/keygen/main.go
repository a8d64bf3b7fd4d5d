package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

func main() {
	// 32 bytes hex: the AES-256-GCM master key that seals signing keys at rest.
	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		fmt.Printf("Failed to generate master key: %v\n", err)
		os.Exit(1)
	}

	admin := make([]byte, 32)
	if _, err := rand.Read(admin); err != nil {
		fmt.Printf("Failed to generate admin secret: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("--- COPY BELOW TO .env.local ---")
	fmt.Printf("KEY_MANAGER_SECRET=%s\n", hex.EncodeToString(master))
	fmt.Printf("ADMIN_API_SECRET=%s\n", hex.EncodeToString(admin))
	fmt.Println("--------------------------------")
}
