// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wal implements C4: the two-stage asynchronous WAL pipeline
// (log-serializer thread, disk-writer thread) and the on-disk record
// codec.
package wal

import (
	"os"

	"github.com/MageMasher/terrier/pkg/util"
)

var _ util.Serialize = new(BufferedFileWriter)

// BufferedFileWriter is carried from the teacher's
// pkg/storage/wal.go, unmodified in shape — it is already exactly
// the append-mode, fsync-backed writer C4's disk-writer stage needs.
type BufferedFileWriter struct {
	path string
	file *os.File
}

func NewBufferedFileWriter(path string) (*BufferedFileWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0755)
	if err != nil {
		return nil, err
	}
	return &BufferedFileWriter{path: path, file: f}, nil
}

func (w *BufferedFileWriter) WriteData(buffer []byte, length int) error {
	written := 0
	for written < length {
		n, err := w.file.Write(buffer[written:length])
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}

func (w *BufferedFileWriter) Sync() error {
	return w.file.Sync()
}

func (w *BufferedFileWriter) Truncate(sz int64) error {
	return w.file.Truncate(sz)
}

func (w *BufferedFileWriter) FileSize() (int64, error) {
	stat, err := w.file.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

func (w *BufferedFileWriter) Close() error {
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

var _ util.Deserialize = new(BufferedFileReader)

// BufferedFileReader is carried from pkg/storage/wal.go, unmodified
// in shape.
type BufferedFileReader struct {
	path string
	file *os.File
}

func NewBufferedFileReader(path string) (*BufferedFileReader, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0755)
	if err != nil {
		return nil, err
	}
	return &BufferedFileReader{path: path, file: f}, nil
}

// ReadData reads exactly length bytes, or returns io.EOF-wrapped error
// if the stream yields fewer than requested — spec.md §6's "a reader
// terminates when the stream yields fewer than 4 bytes" is handled
// one layer up, by the record reader, which only ever asks for the
// 4-byte size prefix first.
func (r *BufferedFileReader) ReadData(buffer []byte, length int) error {
	read := 0
	for read < length {
		n, err := r.file.Read(buffer[read:length])
		if n > 0 {
			read += n
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *BufferedFileReader) Close() error {
	return r.file.Close()
}
