package metadata

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Encoding version tags. Bumped whenever the wire layout changes so that
// old on-disk state can be rejected loudly rather than silently
// misinterpreted.
const (
	inodeEncodingVersion = 1
	dirEncodingVersion   = 1
	superblockVersion    = 1
)

var byteOrder = binary.LittleEndian

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, byteOrder, uint32(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, byteOrder, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeTimestamp(buf *bytes.Buffer, t Timestamp) {
	binary.Write(buf, byteOrder, t.Seconds)
	binary.Write(buf, byteOrder, t.Nanos)
}

func readTimestamp(r *bytes.Reader) (Timestamp, error) {
	var t Timestamp
	if err := binary.Read(r, byteOrder, &t.Seconds); err != nil {
		return t, err
	}
	if err := binary.Read(r, byteOrder, &t.Nanos); err != nil {
		return t, err
	}
	return t, nil
}

// EncodeInodeAttributes serializes attrs into the compact, versioned,
// length-prefixed binary format persisted at inodes/<n>.
func EncodeInodeAttributes(a InodeAttributes) []byte {
	var buf bytes.Buffer
	buf.WriteByte(inodeEncodingVersion)
	binary.Write(&buf, byteOrder, a.Inode)
	binary.Write(&buf, byteOrder, a.OpenFileHandles)
	binary.Write(&buf, byteOrder, a.Size)
	writeTimestamp(&buf, a.LastAccessed)
	writeTimestamp(&buf, a.LastModified)
	writeTimestamp(&buf, a.LastMetadataChanged)
	buf.WriteByte(byte(a.Kind))
	binary.Write(&buf, byteOrder, a.Mode)
	binary.Write(&buf, byteOrder, a.Hardlinks)
	binary.Write(&buf, byteOrder, a.UID)
	binary.Write(&buf, byteOrder, a.GID)
	writeString(&buf, a.VersionTag)
	writeString(&buf, a.RemoteKey)
	return buf.Bytes()
}

// DecodeInodeAttributes is the inverse of EncodeInodeAttributes.
func DecodeInodeAttributes(data []byte) (InodeAttributes, error) {
	var a InodeAttributes
	if len(data) == 0 {
		return a, fmt.Errorf("metadata: empty inode record")
	}
	r := bytes.NewReader(data)
	version, err := r.ReadByte()
	if err != nil {
		return a, err
	}
	if version != inodeEncodingVersion {
		return a, fmt.Errorf("metadata: unsupported inode encoding version %d", version)
	}

	if err := binary.Read(r, byteOrder, &a.Inode); err != nil {
		return a, err
	}
	if err := binary.Read(r, byteOrder, &a.OpenFileHandles); err != nil {
		return a, err
	}
	if err := binary.Read(r, byteOrder, &a.Size); err != nil {
		return a, err
	}
	if a.LastAccessed, err = readTimestamp(r); err != nil {
		return a, err
	}
	if a.LastModified, err = readTimestamp(r); err != nil {
		return a, err
	}
	if a.LastMetadataChanged, err = readTimestamp(r); err != nil {
		return a, err
	}
	kind, err := r.ReadByte()
	if err != nil {
		return a, err
	}
	a.Kind = InodeKind(kind)
	if err := binary.Read(r, byteOrder, &a.Mode); err != nil {
		return a, err
	}
	if err := binary.Read(r, byteOrder, &a.Hardlinks); err != nil {
		return a, err
	}
	if err := binary.Read(r, byteOrder, &a.UID); err != nil {
		return a, err
	}
	if err := binary.Read(r, byteOrder, &a.GID); err != nil {
		return a, err
	}
	if a.VersionTag, err = readString(r); err != nil {
		return a, err
	}
	if a.RemoteKey, err = readString(r); err != nil {
		return a, err
	}
	return a, nil
}

// EncodeDirectoryDescriptor serializes d in its deterministic name order.
func EncodeDirectoryDescriptor(d *DirectoryDescriptor) []byte {
	var buf bytes.Buffer
	buf.WriteByte(dirEncodingVersion)
	binary.Write(&buf, byteOrder, uint32(d.Len()))
	for _, name := range d.Names() {
		e := d.entries[name]
		writeString(&buf, name)
		binary.Write(&buf, byteOrder, e.Inode)
		buf.WriteByte(byte(e.Kind))
	}
	return buf.Bytes()
}

// DecodeDirectoryDescriptor is the inverse of EncodeDirectoryDescriptor.
func DecodeDirectoryDescriptor(data []byte) (*DirectoryDescriptor, error) {
	d := NewDirectoryDescriptor()
	if len(data) == 0 {
		return d, fmt.Errorf("metadata: empty directory record")
	}
	r := bytes.NewReader(data)
	version, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != dirEncodingVersion {
		return nil, fmt.Errorf("metadata: unsupported directory encoding version %d", version)
	}
	var count uint32
	if err := binary.Read(r, byteOrder, &count); err != nil {
		return nil, err
	}
	for i := uint32(0); i < count; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		var e DirEntry
		if err := binary.Read(r, byteOrder, &e.Inode); err != nil {
			return nil, err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		e.Kind = InodeKind(kind)
		// Entries are written in sorted order already; append preserves it
		// without re-sorting on every load.
		d.names = append(d.names, name)
		d.entries[name] = e
	}
	return d, nil
}

// EncodeSuperblock serializes the highest-allocated-inode counter.
func EncodeSuperblock(counter uint64) []byte {
	var buf bytes.Buffer
	buf.WriteByte(superblockVersion)
	binary.Write(&buf, byteOrder, counter)
	return buf.Bytes()
}

// DecodeSuperblock is the inverse of EncodeSuperblock.
func DecodeSuperblock(data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("metadata: empty superblock record")
	}
	r := bytes.NewReader(data)
	version, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if version != superblockVersion {
		return 0, fmt.Errorf("metadata: unsupported superblock encoding version %d", version)
	}
	var counter uint64
	if err := binary.Read(r, byteOrder, &counter); err != nil {
		return 0, err
	}
	return counter, nil
}
