package group

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/binary"
	"slices"
	"sync"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/seal"
)

const (
	secretSize = 32
	kekInfo    = "aura/group-kek/v1"
)

// Welcome carries the epoch secret sealed to one member.
type Welcome struct {
	Member ids.DeviceID `cbor:"1,keyasint"`
	Box    []byte       `cbor:"2,keyasint"`
}

// EpochKeys distributes one epoch's messaging key. Every member opens its
// welcome to learn the epoch secret, derives the KEK from it and unwraps
// Wrapped, which is the root's messaging key. Nodes is the keyed tree, so
// a member can also unwrap the secret of any node under the root.
type EpochKeys struct {
	Group      ids.ContextID `cbor:"1,keyasint"`
	Epoch      uint64        `cbor:"2,keyasint"`
	Commitment ids.Hash      `cbor:"3,keyasint"`
	Wrapped    []byte        `cbor:"4,keyasint"`
	Welcomes   []Welcome     `cbor:"5,keyasint"`
	Hash       HashAlgorithm `cbor:"6,keyasint,omitempty"`
	Root       ids.NodeID    `cbor:"7,keyasint,omitempty"`
	Nodes      []Node        `cbor:"8,keyasint,omitempty"`
}

// Tree rebuilds the keyed tree carried by k.
func (k *EpochKeys) Tree() *Tree {
	t := NewTree(k.Hash, k.Epoch, k.Root)
	for _, n := range k.Nodes {
		t.Put(n)
	}
	return t
}

// Welcome finds the entry for member.
func (k *EpochKeys) Welcome(member ids.DeviceID) ([]byte, bool) {
	i, ok := slices.BinarySearchFunc(k.Welcomes, member, func(w Welcome, d ids.DeviceID) int { return w.Member.Compare(d) })
	if !ok {
		return nil, false
	}
	return k.Welcomes[i].Box, true
}

// EncodeEpochKeys and DecodeEpochKeys are the key bundle wire form.
func EncodeEpochKeys(k *EpochKeys) ([]byte, error) { return encode(k) }

func DecodeEpochKeys(data []byte) (*EpochKeys, error) {
	var k EpochKeys
	if err := decode(data, &k); err != nil {
		return nil, err
	}
	return &k, nil
}

func epochAD(group ids.ContextID, epoch uint64) []byte {
	ad := make([]byte, 0, len(group)+8)
	ad = append(ad, group[:]...)
	return binary.BigEndian.AppendUint64(ad, epoch)
}

// deriveKEK binds the key-encryption key to the group, the epoch and the
// tree commitment.
func deriveKEK(c effects.CryptoEffects, secret []byte, group ids.ContextID, epoch uint64, commitment ids.Hash) ([]byte, error) {
	info := append([]byte(kekInfo), epochAD(group, epoch)...)
	return c.HKDF(secret, commitment[:], info, secretSize)
}

func nodeAD(group ids.ContextID, epoch uint64, id ids.NodeID) []byte {
	return append(epochAD(group, epoch), id[:]...)
}

func shareProof(kek []byte, index uint16, child ids.Hash) []byte {
	var i [2]byte
	binary.BigEndian.PutUint16(i[:], index)
	h := canonical.HashParts("SHARE_PROOF", kek, i[:], child[:])
	return h[:]
}

// reachable lists the nodes contained under the root, parents before
// children, and maps each of them except the root to its lowest-id parent
// on that list.
func (t *Tree) reachable() ([]ids.NodeID, map[ids.NodeID]ids.NodeID) {
	var post []ids.NodeID
	seen := make(map[ids.NodeID]bool)
	var walk func(ids.NodeID)
	walk = func(id ids.NodeID) {
		if seen[id] {
			return
		}
		seen[id] = true
		for _, c := range t.nodes[id].Children {
			walk(c)
		}
		post = append(post, id)
	}
	walk(t.Root)
	slices.Reverse(post)

	parent := make(map[ids.NodeID]ids.NodeID, len(post))
	for _, id := range post {
		for _, c := range t.nodes[id].Children {
			if p, ok := parent[c]; !ok || id.Compare(p) < 0 {
				parent[c] = id
			}
		}
	}
	return post, parent
}

// seal keys every node under the root: each gets a fresh secret wrapped
// under its parent's KEK and one share header per child, and group nodes
// get mk wrapped under their own KEK. The root's secret is secret. A node
// with several parents is wrapped under the one with the lowest id.
func (t *Tree) seal(c effects.CryptoEffects, r effects.RandomEffects, group ids.ContextID, secret, mk []byte) error {
	if err := t.Validate(); err != nil {
		return err
	}
	memo := make(map[ids.NodeID]ids.Hash)
	order, parent := t.reachable()
	keks := make(map[ids.NodeID][]byte, len(order))
	defer func() {
		for _, k := range keks {
			c.SecureZero(k)
		}
	}()
	ad := epochAD(group, t.Epoch)
	for _, id := range order {
		n := t.nodes[id]
		s := secret
		if id != t.Root {
			s = r.RandomBytes(secretSize)
			wrapped, err := c.ChaChaEncrypt(keks[parent[id]], s, nodeAD(group, t.Epoch, id))
			if err != nil {
				return err
			}
			n.Secret = wrapped
		}
		commitment, err := t.commit(id, memo)
		if err != nil {
			return err
		}
		kek, err := deriveKEK(c, s, group, t.Epoch, commitment)
		if id != t.Root {
			c.SecureZero(s)
		}
		if err != nil {
			return err
		}
		keks[id] = kek

		n.Shares = n.Shares[:0]
		for i, child := range n.Children {
			cc, err := t.commit(child, memo)
			if err != nil {
				return err
			}
			n.Shares = append(n.Shares, ShareHeader{Index: uint16(i), Commitment: cc, Proof: shareProof(kek, uint16(i), cc)})
		}
		n.MessagingKey = nil
		if n.Kind == NodeGroup {
			if n.MessagingKey, err = c.ChaChaEncrypt(kek, mk, ad); err != nil {
				return err
			}
		}
	}
	return nil
}

// OpenNode unwraps the secret of node id from the root's secret, walking
// down lowest-id parents and checking the share header of every step.
func (t *Tree) OpenNode(c effects.CryptoEffects, group ids.ContextID, secret []byte, id ids.NodeID) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	_, parent := t.reachable()
	path := []ids.NodeID{id}
	for cur := id; cur != t.Root; {
		p, ok := parent[cur]
		if !ok {
			return nil, errs.Newf(errs.KindValidation, errs.CodeInvalid, "node %s is not under the root", id)
		}
		path = append(path, p)
		cur = p
	}
	slices.Reverse(path)

	memo := make(map[ids.NodeID]ids.Hash)
	s := slices.Clone(secret)
	for i := 1; i < len(path); i++ {
		from, to := t.nodes[path[i-1]], t.nodes[path[i]]
		next, err := t.step(c, group, s, from, to, memo)
		c.SecureZero(s)
		if err != nil {
			return nil, err
		}
		s = next
	}
	return s, nil
}

// step checks from's share header for child to and unwraps to's secret.
func (t *Tree) step(c effects.CryptoEffects, group ids.ContextID, secret []byte, from, to *Node, memo map[ids.NodeID]ids.Hash) ([]byte, error) {
	fc, err := t.commit(from.ID, memo)
	if err != nil {
		return nil, err
	}
	kek, err := deriveKEK(c, secret, group, t.Epoch, fc)
	if err != nil {
		return nil, err
	}
	defer c.SecureZero(kek)
	index := slices.Index(from.Children, to.ID)
	tc, err := t.commit(to.ID, memo)
	if err != nil {
		return nil, err
	}
	i := slices.IndexFunc(from.Shares, func(h ShareHeader) bool { return int(h.Index) == index })
	if i < 0 {
		return nil, errs.Newf(errs.KindCrypto, errs.CodeHashMismatch, "node %s has no share header for %s", from.ID, to.ID)
	}
	h := from.Shares[i]
	if h.Commitment != tc || subtle.ConstantTimeCompare(h.Proof, shareProof(kek, h.Index, tc)) != 1 {
		return nil, errs.Newf(errs.KindCrypto, errs.CodeHashMismatch, "share header %d of node %s does not bind %s", h.Index, from.ID, to.ID)
	}
	return c.ChaChaDecrypt(kek, to.Secret, nodeAD(group, t.Epoch, to.ID))
}

// MessagingKey unwraps the messaging key held by group node id.
func (t *Tree) MessagingKey(c effects.CryptoEffects, group ids.ContextID, secret []byte, id ids.NodeID) ([]byte, error) {
	n, ok := t.nodes[id]
	if !ok || n.Kind != NodeGroup || len(n.MessagingKey) == 0 {
		return nil, errs.Newf(errs.KindValidation, errs.CodeInvalid, "node %s holds no messaging key", id)
	}
	s, err := t.OpenNode(c, group, secret, id)
	if err != nil {
		return nil, err
	}
	defer c.SecureZero(s)
	commitment, err := t.commit(id, make(map[ids.NodeID]ids.Hash))
	if err != nil {
		return nil, err
	}
	kek, err := deriveKEK(c, s, group, t.Epoch, commitment)
	if err != nil {
		return nil, err
	}
	defer c.SecureZero(kek)
	return c.ChaChaDecrypt(kek, n.MessagingKey, epochAD(group, t.Epoch))
}

// rekey draws a fresh epoch secret and messaging key for r, keys tree with
// them and seals the secret to every member.
func (g *Group) rekey(r roster, tree *Tree) (*EpochKeys, error) {
	secret := g.rt.Random.RandomBytes(secretSize)
	defer g.rt.Crypto.SecureZero(secret)
	mk := g.rt.Random.RandomBytes(secretSize)
	defer g.rt.Crypto.SecureZero(mk)

	commitment, err := tree.RootCommitment()
	if err != nil {
		return nil, err
	}
	if err := tree.seal(g.rt.Crypto, g.rt.Random, g.id, secret, mk); err != nil {
		return nil, err
	}
	ad := epochAD(g.id, r.epoch)
	keys := &EpochKeys{
		Group:      g.id,
		Epoch:      r.epoch,
		Commitment: commitment,
		Wrapped:    slices.Clone(tree.nodes[tree.Root].MessagingKey),
		Hash:       tree.Hash,
		Root:       tree.Root,
		Nodes:      tree.Nodes(),
	}
	for _, d := range r.sorted() {
		box, err := seal.Seal(g.rt.Random.Reader(), r.members[d], secret, ad)
		if err != nil {
			return nil, err
		}
		keys.Welcomes = append(keys.Welcomes, Welcome{Member: d, Box: box})
	}
	return keys, nil
}

// Message is a group message encrypted under an epoch's messaging key.
type Message struct {
	Group      ids.ContextID `cbor:"1,keyasint"`
	Epoch      uint64        `cbor:"2,keyasint"`
	Sender     ids.DeviceID  `cbor:"3,keyasint"`
	Ciphertext []byte        `cbor:"4,keyasint"`
}

func (m *Message) additional() []byte {
	return append(epochAD(m.Group, m.Epoch), m.Sender[:]...)
}

type epochKey struct {
	group ids.ContextID
	epoch uint64
}

// Keyring holds the messaging keys one member has accepted.
type Keyring struct {
	device ids.DeviceID
	priv   ed25519.PrivateKey
	crypto effects.CryptoEffects

	mu     sync.RWMutex
	keys   map[epochKey][]byte
	latest map[ids.ContextID]uint64
}

// NewKeyring returns an empty keyring for device.
func NewKeyring(device ids.DeviceID, priv ed25519.PrivateKey, crypto effects.CryptoEffects) *Keyring {
	return &Keyring{
		device: device,
		priv:   priv,
		crypto: crypto,
		keys:   make(map[epochKey][]byte),
		latest: make(map[ids.ContextID]uint64),
	}
}

// Accept opens this member's welcome in k and stores the epoch's
// messaging key.
func (r *Keyring) Accept(k *EpochKeys) error {
	box, ok := k.Welcome(r.device)
	if !ok {
		return errs.Newf(errs.KindAuthorization, errs.CodeInsufficient, "%s has no welcome for epoch %d", r.device, k.Epoch)
	}
	ad := epochAD(k.Group, k.Epoch)
	secret, err := seal.Open(r.priv, box, ad)
	if err != nil {
		return err
	}
	defer r.crypto.SecureZero(secret)
	kek, err := deriveKEK(r.crypto, secret, k.Group, k.Epoch, k.Commitment)
	if err != nil {
		return err
	}
	defer r.crypto.SecureZero(kek)
	mk, err := r.crypto.ChaChaDecrypt(kek, k.Wrapped, ad)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[epochKey{k.Group, k.Epoch}] = mk
	r.latest[k.Group] = max(r.latest[k.Group], k.Epoch)
	return nil
}

// NodeSecret opens this member's welcome in k and unwraps the secret of
// node id in k's tree.
func (r *Keyring) NodeSecret(k *EpochKeys, id ids.NodeID) ([]byte, error) {
	box, ok := k.Welcome(r.device)
	if !ok {
		return nil, errs.Newf(errs.KindAuthorization, errs.CodeInsufficient, "%s has no welcome for epoch %d", r.device, k.Epoch)
	}
	secret, err := seal.Open(r.priv, box, epochAD(k.Group, k.Epoch))
	if err != nil {
		return nil, err
	}
	defer r.crypto.SecureZero(secret)
	return k.Tree().OpenNode(r.crypto, k.Group, secret, id)
}

// Epoch is the newest epoch accepted for group.
func (r *Keyring) Epoch(group ids.ContextID) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.latest[group]
	return e, ok
}

// Forget erases keys for epochs of group older than epoch.
func (r *Keyring) Forget(group ids.ContextID, epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, mk := range r.keys {
		if k.group == group && k.epoch < epoch {
			r.crypto.SecureZero(mk)
			delete(r.keys, k)
		}
	}
}

func (r *Keyring) key(group ids.ContextID, epoch uint64) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mk, ok := r.keys[epochKey{group, epoch}]
	if !ok {
		return nil, errs.Newf(errs.KindCrypto, errs.CodeDecrypt, "no key for group %s epoch %d", group, epoch)
	}
	return mk, nil
}

// Encrypt seals plaintext under the newest epoch of group.
func (r *Keyring) Encrypt(group ids.ContextID, plaintext []byte) (*Message, error) {
	epoch, ok := r.Epoch(group)
	if !ok {
		return nil, errs.Newf(errs.KindCrypto, errs.CodeDecrypt, "no key for group %s", group)
	}
	mk, err := r.key(group, epoch)
	if err != nil {
		return nil, err
	}
	m := &Message{Group: group, Epoch: epoch, Sender: r.device}
	if m.Ciphertext, err = r.crypto.AESGCMEncrypt(mk, plaintext, m.additional()); err != nil {
		return nil, err
	}
	return m, nil
}

// Decrypt opens m with the key of its epoch.
func (r *Keyring) Decrypt(m *Message) ([]byte, error) {
	mk, err := r.key(m.Group, m.Epoch)
	if err != nil {
		return nil, err
	}
	return r.crypto.AESGCMDecrypt(mk, m.Ciphertext, m.additional())
}
