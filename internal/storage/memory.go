// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// FaultFunc may return an error to fail an operation on key. Used to simulate
// outages in tests and local runs.
type FaultFunc func(op, key string) error

// MemoryStore is an in-process ObjectStore.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]Object
	uploads map[string]*multipart
	puts    map[string]int
	fault   FaultFunc
}

// Object is a stored object.
type Object struct {
	Data        []byte
	ContentType string
}

type multipart struct {
	key         string
	contentType string
	parts       map[int32][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]Object),
		uploads: make(map[string]*multipart),
		puts:    make(map[string]int),
	}
}

// SetFault installs fn to be consulted before every operation. nil clears it.
func (m *MemoryStore) SetFault(fn FaultFunc) {
	m.mu.Lock()
	m.fault = fn
	m.mu.Unlock()
}

func (m *MemoryStore) check(ctx context.Context, op, key string) error {
	if err := ctx.Err(); err != nil {
		return Transient(op, key, err)
	}
	if m.fault != nil {
		return m.fault(op, key)
	}
	return nil
}

func readBody(op, key string, body io.Reader, size int64) ([]byte, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, Transient(op, key, err)
	}
	if int64(len(data)) != size {
		return nil, Transient(op, key, fmt.Errorf("short body: %d of %d bytes", len(data), size))
	}
	return data, nil
}

func (m *MemoryStore) PutObject(ctx context.Context, key string, body io.ReadSeeker, size int64, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "put", key); err != nil {
		return err
	}
	data, err := readBody("put", key, body, size)
	if err != nil {
		return err
	}
	m.objects[key] = Object{Data: data, ContentType: contentType}
	m.puts[key]++
	return nil
}

func (m *MemoryStore) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "create_multipart", key); err != nil {
		return "", err
	}
	id := uuid.NewString()
	m.uploads[id] = &multipart{key: key, contentType: contentType, parts: make(map[int32][]byte)}
	return id, nil
}

func (m *MemoryStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.ReadSeeker, size int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "upload_part", key); err != nil {
		return "", err
	}
	up, ok := m.uploads[uploadID]
	if !ok || up.key != key {
		return "", Transient("upload_part", key, fmt.Errorf("no such upload %s", uploadID))
	}
	data, err := readBody("upload_part", key, body, size)
	if err != nil {
		return "", err
	}
	up.parts[partNumber] = data
	return fmt.Sprintf("etag-%d-%d", partNumber, len(data)), nil
}

func (m *MemoryStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "complete_multipart", key); err != nil {
		return err
	}
	up, ok := m.uploads[uploadID]
	if !ok || up.key != key {
		return Transient("complete_multipart", key, fmt.Errorf("no such upload %s", uploadID))
	}
	var data []byte
	for _, p := range parts {
		part, ok := up.parts[p.Number]
		if !ok {
			return Permanent("complete_multipart", key, "InvalidPart", fmt.Errorf("part %d not uploaded", p.Number))
		}
		data = append(data, part...)
	}
	delete(m.uploads, uploadID)
	m.objects[key] = Object{Data: data, ContentType: up.contentType}
	m.puts[key]++
	return nil
}

func (m *MemoryStore) AbortMultipartUpload(_ context.Context, _ string, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, uploadID)
	return nil
}

func (m *MemoryStore) HeadBucket(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check(ctx, "head_bucket", "")
}

// Get returns the object stored at key.
func (m *MemoryStore) Get(key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	return o, ok
}

// Keys returns all stored keys in lexical order.
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Writes returns how many times key has been written.
func (m *MemoryStore) Writes(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts[key]
}

// OpenUploads returns the number of multipart uploads neither completed nor aborted.
func (m *MemoryStore) OpenUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}

var _ ObjectStore = (*MemoryStore)(nil)
