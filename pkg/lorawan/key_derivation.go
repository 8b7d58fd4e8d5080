package lorawan

import (
	"crypto/aes"
	"fmt"
)

// DeriveSessionKeys10 derives session keys according to LoRaWAN 1.0.x
//
//	NwkSKey = aes128_encrypt(AppKey, 0x01 | AppNonce | NetID | DevNonce | pad16)
//	AppSKey = aes128_encrypt(AppKey, 0x02 | AppNonce | NetID | DevNonce | pad16)
func DeriveSessionKeys10(appKey AES128Key, appNonce, netID [3]byte, devNonce [2]byte) (nwkSKey, appSKey AES128Key, err error) {
	block, err := aes.NewCipher(appKey[:])
	if err != nil {
		return nwkSKey, appSKey, err
	}

	msg := make([]byte, 16)
	copy(msg[1:4], appNonce[:])
	copy(msg[4:7], netID[:])
	copy(msg[7:9], devNonce[:])

	msg[0] = 0x01
	block.Encrypt(nwkSKey[:], msg)

	msg[0] = 0x02
	block.Encrypt(appSKey[:], msg)

	return nwkSKey, appSKey, nil
}

// aesECB runs the block cipher over data. LoRaWAN encrypts a JoinAccept
// with the AES decrypt primitive so the device only needs encrypt.
func aesECB(key AES128Key, data []byte, decrypt bool) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("invalid data length for AES ECB: %d", len(data))
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		if decrypt {
			block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
		} else {
			block.Encrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
		}
	}
	return out, nil
}
