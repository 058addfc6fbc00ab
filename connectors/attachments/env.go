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
	"fmt"
	"os"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewFromEnvironment builds a Fetcher from ambient credentials: the AWS
// default chain for s3://, application default credentials for gs://,
// and AZURE_STORAGE_CONNECTION_STRING for azblob://. Providers whose
// credentials are absent are skipped, not fatal; a deployment that only
// uses S3 should not need Google credentials.
func NewFromEnvironment(ctx context.Context) (*Fetcher, error) {
	var opts []Option

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err == nil {
		opts = append(opts, WithS3(s3.NewFromConfig(awsCfg)))
	}

	if gcsClient, err := storage.NewClient(ctx); err == nil {
		opts = append(opts, WithGCS(gcsClient))
	}

	if connStr := os.Getenv("AZURE_STORAGE_CONNECTION_STRING"); connStr != "" {
		azClient, err := azblob.NewClientFromConnectionString(connStr, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure Blob client: %w", err)
		}
		opts = append(opts, WithAzure(azClient))
	}

	if len(opts) == 0 {
		return nil, fmt.Errorf("no storage credentials available for attachment fetching")
	}
	return New(opts...), nil
}
