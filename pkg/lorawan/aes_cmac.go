package lorawan

import (
	"crypto/aes"
	"crypto/cipher"
)

// aesCMAC implements AES-CMAC according to RFC 4493
func aesCMAC(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	k1, k2 := generateSubkeys(block)

	n := (len(data) + aes.BlockSize - 1) / aes.BlockSize
	complete := n > 0 && len(data)%aes.BlockSize == 0
	if n == 0 {
		n = 1
	}

	// last block, padded and masked with K1 or K2
	last := make([]byte, aes.BlockSize)
	tail := data[(n-1)*aes.BlockSize:]
	copy(last, tail)
	mask := k1
	if !complete {
		last[len(tail)] = 0x80
		mask = k2
	}
	xorInto(last, mask)

	x := make([]byte, aes.BlockSize)
	y := make([]byte, aes.BlockSize)
	for i := 0; i < n-1; i++ {
		copy(y, data[i*aes.BlockSize:(i+1)*aes.BlockSize])
		xorInto(y, x)
		block.Encrypt(x, y)
	}

	copy(y, last)
	xorInto(y, x)
	block.Encrypt(x, y)

	return x, nil
}

// generateSubkeys generates K1 and K2 for AES-CMAC
func generateSubkeys(block cipher.Block) (k1, k2 []byte) {
	const rb = 0x87

	l := make([]byte, aes.BlockSize)
	block.Encrypt(l, make([]byte, aes.BlockSize))

	k1 = leftShift(l)
	if l[0]&0x80 != 0 {
		k1[15] ^= rb
	}

	k2 = leftShift(k1)
	if k1[0]&0x80 != 0 {
		k2[15] ^= rb
	}

	return k1, k2
}

func leftShift(b []byte) []byte {
	out := make([]byte, len(b))
	var carry byte
	for i := len(b) - 1; i >= 0; i-- {
		out[i] = b[i]<<1 | carry
		carry = b[i] >> 7
	}
	return out
}

func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// CalculateMIC returns the first four bytes of the CMAC of data
func CalculateMIC(key AES128Key, data []byte) ([4]byte, error) {
	var mic [4]byte
	hash, err := aesCMAC(key[:], data)
	if err != nil {
		return mic, err
	}
	copy(mic[:], hash[0:4])
	return mic, nil
}
