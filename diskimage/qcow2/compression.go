// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package qcow2

import (
	"github.com/fox-it/go-hypervisor/diskimage/decompress"
	"github.com/fox-it/go-hypervisor/diskimage/stream"
)

// clusterCompressionAlgo maps the header's compression_type byte to the
// shared decompressor dispatch (spec §4.2.1, §4.3): 0 = zlib (used as raw
// deflate, matching QEMU's cluster framing), 1 = zstd.
func clusterCompressionAlgo(h *header) stream.Algorithm {
	if h.CompressionType == 1 {
		return stream.AlgoZstd
	}
	return stream.AlgoDeflateRaw
}

func decompressCluster(algo stream.Algorithm, compressed []byte, decompressedSize uint64) ([]byte, error) {
	return decompress.Decompress(decompress.Algo(algo), compressed, int(decompressedSize))
}
