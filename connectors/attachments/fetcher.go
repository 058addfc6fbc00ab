// Copyright 2025 Fiscalia
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package attachments resolves document URIs referenced by analysis
// requests into their content. Supported schemes are s3:// (Amazon S3
// and compatible stores), gs:// (Google Cloud Storage) and azblob://
// (Azure Blob Storage).
package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"sort"
	"strings"
)

// MaxAttachmentBytes caps how much of a single document is fetched.
// Engagement letters and filings are text; anything bigger is almost
// certainly a scan we cannot analyze anyway.
const MaxAttachmentBytes = 10 << 20

var (
	// ErrUnsupportedScheme is returned for URIs whose scheme has no
	// configured store.
	ErrUnsupportedScheme = errors.New("unsupported attachment scheme")

	// ErrAttachmentTooLarge is returned when a document exceeds
	// MaxAttachmentBytes.
	ErrAttachmentTooLarge = errors.New("attachment exceeds size limit")
)

// Attachment is a fetched document.
type Attachment struct {
	URI         string
	Name        string
	ContentType string
	Content     []byte
}

// objectStore reads a single object from one storage provider.
type objectStore interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, string, error)
}

// Fetcher resolves attachment URIs across the configured stores.
type Fetcher struct {
	stores map[string]objectStore
	logger *log.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// New returns a Fetcher with the given provider options applied.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		stores: make(map[string]objectStore),
		logger: log.New(os.Stdout, "[ATTACHMENTS] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func withStore(scheme string, st objectStore) Option {
	return func(f *Fetcher) {
		f.stores[scheme] = st
	}
}

// Schemes lists the configured URI schemes, sorted.
func (f *Fetcher) Schemes() []string {
	out := make([]string, 0, len(f.stores))
	for s := range f.stores {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Fetch resolves a single attachment URI.
func (f *Fetcher) Fetch(ctx context.Context, uri string) (*Attachment, error) {
	scheme, bucket, key, err := splitURI(uri)
	if err != nil {
		return nil, err
	}

	store, ok := f.stores[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}

	body, contentType, err := store.Open(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", uri, err)
	}
	defer body.Close()

	// Read one byte past the cap so oversized documents are detected
	// instead of silently truncated.
	content, err := io.ReadAll(io.LimitReader(body, MaxAttachmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", uri, err)
	}
	if len(content) > MaxAttachmentBytes {
		return nil, fmt.Errorf("%w: %s", ErrAttachmentTooLarge, uri)
	}

	return &Attachment{
		URI:         uri,
		Name:        baseName(key),
		ContentType: contentType,
		Content:     content,
	}, nil
}

// FetchAll resolves every URI, stopping at the first failure.
func (f *Fetcher) FetchAll(ctx context.Context, uris []string) ([]*Attachment, error) {
	out := make([]*Attachment, 0, len(uris))
	for _, uri := range uris {
		att, err := f.Fetch(ctx, uri)
		if err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	return out, nil
}

// Texts returns the fetched contents as strings, in input order. This is
// the shape response validation consumes.
func Texts(atts []*Attachment) []string {
	out := make([]string, len(atts))
	for i, att := range atts {
		out[i] = string(att.Content)
	}
	return out
}

func splitURI(uri string) (scheme, bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid attachment URI %q: %w", uri, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", "", fmt.Errorf("invalid attachment URI %q: missing scheme or bucket", uri)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", "", fmt.Errorf("invalid attachment URI %q: missing object key", uri)
	}
	return u.Scheme, u.Host, key, nil
}

func baseName(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}
