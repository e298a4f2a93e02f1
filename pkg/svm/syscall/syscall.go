// Package syscall is the catalog of host functions runtime code may import.
//
// Host functions are identified by the murmur3 hash of their name. A call
// instruction whose immediate matches a catalog hash suspends the VM so the
// embedder can service it. Arguments are passed in registers r1-r5 and the
// return value is placed in r0.
package syscall

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/fortiblox/stratus-metadata/pkg/svm/sbpf"
	"github.com/spaolacci/murmur3"
)

// Errors.
var (
	ErrNotLogFunction = errors.New("not a log host function")
	ErrInvalidUTF8    = errors.New("log string is not valid utf-8")
)

// Maximum sizes.
const (
	MaxLogMsgLen = 10000 // Maximum log message length read from guest memory
)

// Kind classifies how the embedder handles a host function.
type Kind uint8

const (
	// KindExternality functions need host state the metadata call does not
	// provide (storage, crypto, offchain, ...).
	KindExternality Kind = iota
	// KindLog functions emit a diagnostic message and return nothing.
	KindLog
	// KindInternal functions are serviced by the VM layer itself.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindExternality:
		return "externality"
	case KindLog:
		return "log"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Host function names.
const (
	LoggingLog      = "ext_logging_log_version_1"
	LoggingMaxLevel = "ext_logging_max_level_version_1"
	PrintUTF8       = "ext_misc_print_utf8_version_1"
	PrintHex        = "ext_misc_print_hex_version_1"
	PrintNum        = "ext_misc_print_num_version_1"
	AllocatorMalloc = "ext_allocator_malloc_version_1"
	AllocatorFree   = "ext_allocator_free_version_1"
	RuntimeVersion  = "ext_misc_runtime_version_version_1"
)

// Log levels as numbered by ext_logging_log.
const (
	LevelError uint32 = 1
	LevelWarn  uint32 = 2
	LevelInfo  uint32 = 3
	LevelDebug uint32 = 4
	LevelTrace uint32 = 5
)

// Function is a catalog entry.
type Function struct {
	Name string
	Hash uint32
	Kind Kind
}

// Hash computes the murmur3 hash that identifies a host function or an
// internal function symbol.
func Hash(name string) uint32 {
	return murmur3.Sum32([]byte(name))
}

var externalities = []string{
	"ext_storage_set_version_1",
	"ext_storage_get_version_1",
	"ext_storage_read_version_1",
	"ext_storage_clear_version_1",
	"ext_storage_exists_version_1",
	"ext_storage_clear_prefix_version_1",
	"ext_storage_clear_prefix_version_2",
	"ext_storage_root_version_1",
	"ext_storage_root_version_2",
	"ext_storage_changes_root_version_1",
	"ext_storage_next_key_version_1",
	"ext_storage_append_version_1",
	"ext_storage_start_transaction_version_1",
	"ext_storage_rollback_transaction_version_1",
	"ext_storage_commit_transaction_version_1",
	"ext_default_child_storage_get_version_1",
	"ext_default_child_storage_read_version_1",
	"ext_default_child_storage_set_version_1",
	"ext_default_child_storage_clear_version_1",
	"ext_default_child_storage_storage_kill_version_1",
	"ext_default_child_storage_exists_version_1",
	"ext_default_child_storage_clear_prefix_version_1",
	"ext_default_child_storage_root_version_1",
	"ext_default_child_storage_next_key_version_1",
	"ext_hashing_keccak_256_version_1",
	"ext_hashing_sha2_256_version_1",
	"ext_hashing_blake2_128_version_1",
	"ext_hashing_blake2_256_version_1",
	"ext_hashing_twox_64_version_1",
	"ext_hashing_twox_128_version_1",
	"ext_hashing_twox_256_version_1",
	"ext_crypto_ed25519_public_keys_version_1",
	"ext_crypto_ed25519_generate_version_1",
	"ext_crypto_ed25519_sign_version_1",
	"ext_crypto_ed25519_verify_version_1",
	"ext_crypto_sr25519_public_keys_version_1",
	"ext_crypto_sr25519_generate_version_1",
	"ext_crypto_sr25519_sign_version_1",
	"ext_crypto_sr25519_verify_version_1",
	"ext_crypto_sr25519_verify_version_2",
	"ext_crypto_ecdsa_verify_version_1",
	"ext_crypto_secp256k1_ecdsa_recover_version_1",
	"ext_crypto_secp256k1_ecdsa_recover_compressed_version_1",
	"ext_crypto_start_batch_verify_version_1",
	"ext_crypto_finish_batch_verify_version_1",
	"ext_trie_blake2_256_root_version_1",
	"ext_trie_blake2_256_ordered_root_version_1",
	"ext_offchain_is_validator_version_1",
	"ext_offchain_submit_transaction_version_1",
	"ext_offchain_timestamp_version_1",
	"ext_offchain_random_seed_version_1",
	"ext_offchain_local_storage_get_version_1",
	"ext_offchain_local_storage_set_version_1",
	"ext_offchain_index_set_version_1",
	"ext_offchain_index_clear_version_1",
	RuntimeVersion,
}

var catalog = buildCatalog()

func buildCatalog() map[uint32]Function {
	m := make(map[uint32]Function)
	add := func(name string, kind Kind) {
		h := Hash(name)
		if prev, ok := m[h]; ok {
			panic(fmt.Sprintf("syscall: hash collision between %s and %s", prev.Name, name))
		}
		m[h] = Function{Name: name, Hash: h, Kind: kind}
	}

	add(LoggingLog, KindLog)
	add(PrintUTF8, KindLog)
	add(PrintHex, KindLog)
	add(PrintNum, KindLog)

	add(LoggingMaxLevel, KindInternal)
	add(AllocatorMalloc, KindInternal)
	add(AllocatorFree, KindInternal)

	for _, name := range externalities {
		add(name, KindExternality)
	}
	return m
}

// Lookup returns the catalog entry for a hash.
func Lookup(hash uint32) (Function, bool) {
	fn, ok := catalog[hash]
	return fn, ok
}

// LookupName returns the catalog entry for a name.
func LookupName(name string) (Function, bool) {
	fn, ok := catalog[Hash(name)]
	if !ok || fn.Name != name {
		return Function{}, false
	}
	return fn, true
}

// IsHostFunction reports whether hash names a catalog entry. It has the
// shape sbpf.InterpreterOpts.IsHostFunction expects.
func IsHostFunction(hash uint32) bool {
	_, ok := catalog[hash]
	return ok
}

// Functions returns every catalog entry.
func Functions() []Function {
	out := make([]Function, 0, len(catalog))
	for _, fn := range catalog {
		out = append(out, fn)
	}
	return out
}

// Log is a decoded log request.
type Log struct {
	Level   uint32
	Target  string
	Message string
}

// DecodeLog reads the log request made by a KindLog host function out of
// guest memory.
func DecodeLog(mem sbpf.Memory, fn Function, args [5]uint64) (Log, error) {
	switch fn.Name {
	case LoggingLog:
		target, err := readString(mem, args[1], args[2])
		if err != nil {
			return Log{}, fmt.Errorf("log target: %w", err)
		}
		msg, err := readString(mem, args[3], args[4])
		if err != nil {
			return Log{}, fmt.Errorf("log message: %w", err)
		}
		return Log{Level: uint32(args[0]), Target: target, Message: msg}, nil

	case PrintUTF8:
		msg, err := readString(mem, args[0], args[1])
		if err != nil {
			return Log{}, err
		}
		return Log{Level: LevelInfo, Message: msg}, nil

	case PrintHex:
		buf, err := readBytes(mem, args[0], args[1])
		if err != nil {
			return Log{}, err
		}
		return Log{Level: LevelInfo, Message: hex.EncodeToString(buf)}, nil

	case PrintNum:
		return Log{Level: LevelInfo, Message: strconv.FormatUint(args[0], 10)}, nil

	default:
		return Log{}, fmt.Errorf("%w: %s", ErrNotLogFunction, fn.Name)
	}
}

func readBytes(mem sbpf.Memory, ptr, length uint64) ([]byte, error) {
	if length > MaxLogMsgLen {
		length = MaxLogMsgLen
	}
	buf := make([]byte, length)
	if err := mem.Read(ptr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readString(mem sbpf.Memory, ptr, length uint64) (string, error) {
	buf, err := readBytes(mem, ptr, length)
	if err != nil {
		return "", err
	}
	// A truncated message may end in the middle of a rune.
	if uint64(len(buf)) < length {
		for i := 0; i < utf8.UTFMax-1 && len(buf) > 0 && !utf8.Valid(buf); i++ {
			buf = buf[:len(buf)-1]
		}
	}
	if !utf8.Valid(buf) {
		return "", ErrInvalidUTF8
	}
	return string(buf), nil
}
