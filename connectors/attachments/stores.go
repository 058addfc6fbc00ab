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

package attachments

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the slice of the S3 client the fetcher needs. The real
// *s3.Client satisfies it; tests substitute a fake.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// WithS3 enables s3:// URIs backed by the given client.
func WithS3(client S3API) Option {
	return withStore("s3", &s3Store{client: client})
}

type s3Store struct {
	client S3API
}

func (s *s3Store) Open(ctx context.Context, bucket, key string) (io.ReadCloser, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", err
	}
	return out.Body, aws.ToString(out.ContentType), nil
}

// WithGCS enables gs:// URIs backed by the given client.
func WithGCS(client *storage.Client) Option {
	return withStore("gs", &gcsStore{client: client})
}

type gcsStore struct {
	client *storage.Client
}

func (g *gcsStore) Open(ctx context.Context, bucket, key string) (io.ReadCloser, string, error) {
	r, err := g.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, "", err
	}
	return r, r.Attrs.ContentType, nil
}

// WithAzure enables azblob:// URIs backed by the given client. The URI
// host names the container.
func WithAzure(client *azblob.Client) Option {
	return withStore("azblob", &azureStore{client: client})
}

type azureStore struct {
	client *azblob.Client
}

func (a *azureStore) Open(ctx context.Context, container, blob string) (io.ReadCloser, string, error) {
	resp, err := a.client.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		return nil, "", err
	}
	contentType := ""
	if resp.ContentType != nil {
		contentType = *resp.ContentType
	}
	return resp.Body, contentType, nil
}
