package crypto

import "io"

// SetRandReaderForTesting swaps the random source used for key
// generation and returns a restore func.
func SetRandReaderForTesting(r io.Reader) func() {
	original := randReader
	randReader = r
	return func() { randReader = original }
}
