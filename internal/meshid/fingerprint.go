package meshid

import (
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// emojiTable gives the SAS fingerprint a human-comparable rendering
// alongside its decimal digit groups, the same dual-rendering the teacher's
// p2pnet.ComputeFingerprint uses for out-of-band verification.
var emojiTable = [256]string{
	"🐶", "🐱", "🐭", "🐹", "🐰", "🦊", "🐻", "🐼",
	"🐨", "🐯", "🦁", "🐮", "🐷", "🐸", "🐵", "🐔",
	"🐧", "🐦", "🐤", "🦆", "🦅", "🦉", "🦇", "🐺",
	"🐗", "🐴", "🦄", "🐝", "🐛", "🦋", "🐌", "🐞",
	"🐙", "🦑", "🦐", "🦀", "🐡", "🐠", "🐟", "🐬",
	"🐳", "🐋", "🦈", "🐊", "🐅", "🐆", "🦓", "🦍",
	"🐘", "🦛", "🦏", "🐪", "🐫", "🦒", "🦘", "🐃",
	"🐂", "🐄", "🐎", "🐖", "🐏", "🐑", "🦙", "🐐",
	"🌵", "🎄", "🌲", "🌳", "🌴", "🌱", "🌿", "🍀",
	"🍁", "🍂", "🍃", "🌺", "🌻", "🌹", "🥀", "🌷",
	"🌼", "🌸", "💐", "🍄", "🌰", "🎃", "🌑", "🌒",
	"🌓", "🌔", "🌕", "🌖", "🌗", "🌘", "🌙", "🌚",
	"⭐", "🌟", "💫", "✨", "☄️", "🌤️", "⛅", "🌥️",
	"🌦️", "🌧️", "⛈️", "🌩️", "🌪️", "🌈", "☀️", "🌊",
	"🍎", "🍊", "🍋", "🍌", "🍉", "🍇", "🍓", "🍈",
	"🍒", "🍑", "🥭", "🍍", "🥥", "🥝", "🍅", "🥑",
	"🌶️", "🥕", "🥔", "🧅", "🌽", "🥦", "🥒", "🥬",
	"🍆", "🥜", "🫘", "🍞", "🥐", "🥖", "🧀", "🥚",
	"🔑", "🗝️", "🔒", "🔓", "🔨", "🪓", "⛏️", "🔧",
	"🔩", "⚙️", "🧲", "🔫", "💣", "🧨", "🪚", "🔪",
	"🗡️", "🛡️", "🏹", "🎯", "🪃", "🧰", "🔬", "🔭",
	"📡", "💉", "🩸", "💊", "🩹", "🧬", "🦠", "🧫",
	"🎸", "🎹", "🥁", "🎺", "🎷", "🪗", "🎻", "🪕",
	"🎵", "🎶", "🎼", "🎤", "🎧", "📻", "🎙️", "📯",
	"🚀", "🛸", "🚁", "⛵", "🚂", "🚗", "🚕", "🏎️",
	"🚌", "🚎", "🚑", "🚒", "🛻", "🚜", "🛵", "🏍️",
	"⚽", "🏀", "🏈", "⚾", "🥎", "🎾", "🏐", "🏉",
	"🎱", "🏓", "🏸", "🥊", "🎿", "⛷️", "🏂", "🪂",
	"❤️", "🧡", "💛", "💚", "💙", "💜", "🤎", "🖤",
	"💎", "🔥", "💧", "🌀", "🎪", "🎭", "🎨", "🧩",
	"♟️", "🎲", "🧸", "🪆", "🪄", "🎩", "👑", "💍",
	"🏆", "🥇", "🥈", "🥉", "🏅", "🎖️", "🏵️", "🎗️",
}

// Fingerprint renders a pubkey's canonical hash as decimal digit groups for
// out-of-band comparison, per spec: fingerprint(pubkey) = SHA256(canonical(jwk)).
// The hash primitive is BLAKE3 rather than SHA-256, the faster primitive
// already in the dependency stack; only the rendering contract is fixed.
func Fingerprint(pubkeyBytes []byte) (digits string, emoji string) {
	hash := blake3.Sum256(pubkeyBytes)

	num := int(hash[0])<<16 | int(hash[1])<<8 | int(hash[2])
	num = num % 1000000
	digits = fmt.Sprintf("%03d-%03d", num/1000, num%1000)

	emojis := make([]string, 4)
	for i := 0; i < 4; i++ {
		emojis[i] = emojiTable[hash[i]]
	}
	emoji = strings.Join(emojis, " ")
	return digits, emoji
}

// ComputeSASFingerprint computes a deterministic pairwise SAS fingerprint for
// two peers so both sides derive the same out-of-band verification code
// regardless of which one computes it first.
func ComputeSASFingerprint(a, b []byte) (digits string, emoji string) {
	var combined []byte
	if string(a) < string(b) {
		combined = append(append([]byte{}, a...), b...)
	} else {
		combined = append(append([]byte{}, b...), a...)
	}
	return Fingerprint(combined)
}
