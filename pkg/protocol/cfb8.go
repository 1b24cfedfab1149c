package protocol

import "crypto/cipher"

// cfb8 is cipher feedback mode with an 8-bit segment size. crypto/cipher only
// ships full-block CFB, and JVM peers use AES/CFB8/NoPadding.
type cfb8 struct {
	block    cipher.Block
	register []byte
	out      []byte
	decrypt  bool
}

func newCFB8(block cipher.Block, iv []byte, decrypt bool) cipher.Stream {
	register := make([]byte, block.BlockSize())
	copy(register, iv)
	return &cfb8{
		block:    block,
		register: register,
		out:      make([]byte, block.BlockSize()),
		decrypt:  decrypt,
	}
}

func newCFB8Encrypter(block cipher.Block, iv []byte) cipher.Stream {
	return newCFB8(block, iv, false)
}

func newCFB8Decrypter(block cipher.Block, iv []byte) cipher.Stream {
	return newCFB8(block, iv, true)
}

func (x *cfb8) XORKeyStream(dst, src []byte) {
	if len(dst) < len(src) {
		panic("protocol: cfb8 output smaller than input")
	}
	last := len(x.register) - 1
	for i, in := range src {
		x.block.Encrypt(x.out, x.register)
		out := in ^ x.out[0]

		// Shift in the ciphertext byte
		copy(x.register, x.register[1:])
		if x.decrypt {
			x.register[last] = in
		} else {
			x.register[last] = out
		}
		dst[i] = out
	}
}
