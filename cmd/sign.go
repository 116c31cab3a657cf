// Handles the "mck sign" commands. These print what would be signed for a
// request and the resulting credentials, for comparing against a server's
// "string to sign" in a signature mismatch error.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/awssig"
	"github.com/serverlessresearch/mck/pkg/azuresig"
	"github.com/serverlessresearch/mck/pkg/rest"
	"github.com/spf13/cobra"
)

var signCmdConfig struct {
	method      string
	headers     string
	date        string
	accessKey   string
	secretKey   string
	serviceHost string
	account     string
	key         string
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Show how a request is signed",
	Long: `Sign a request offline and print the string to sign along with the
resulting signature. No configuration file is needed.`,
	// keys come from the flags
	PersistentPreRun: func(cmd *cobra.Command, args []string) {},
}

func signClock() (clockwork.Clock, error) {
	if signCmdConfig.date == "" {
		return clockwork.NewRealClock(), nil
	}
	t, err := http.ParseTime(signCmdConfig.date)
	if err != nil {
		return nil, errors.Wrap(err, "date must be in RFC 1123 format")
	}
	return clockwork.NewFakeClockAt(t), nil
}

func signRequest(method, rawURL string) (*rest.Request, error) {
	req, err := rest.NewRequest(method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range parseKeyValue(signCmdConfig.headers) {
		req.Header.Set(k, v)
	}
	return req, nil
}

func awsCreds() *credentials.Credentials {
	return awssig.NewCredentials(awssig.CredentialsConfig{
		AccessKey: signCmdConfig.accessKey,
		SecretKey: signCmdConfig.secretKey,
	})
}

var signS3Cmd = &cobra.Command{
	Use:   "s3 URL",
	Short: "Sign an S3 request with a V2 Authorization header",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		clock, err := signClock()
		if err != nil {
			return err
		}
		req, err := signRequest(signCmdConfig.method, args[0])
		if err != nil {
			return err
		}
		signer := awssig.NewHeaderSigner(awsCreds(), signCmdConfig.serviceHost, clock)
		if err := signer.Filter(cmd.Context(), req); err != nil {
			return err
		}
		fmt.Printf("String to sign:\n%s\n\n", awssig.StringToSignV2(req, signer.ServiceHost))
		fmt.Printf("Date: %s\n", req.Header.Get("Date"))
		fmt.Printf("Authorization: %s\n", req.Header.Get("Authorization"))
		return nil
	},
}

// signQuery signs the parameters in rawURL's query string. With POST they
// are moved to a form body, the way the Query API clients send them.
func signQuery(ctx context.Context, method, rawURL string, creds *credentials.Credentials, clock clockwork.Clock) (*rest.Request, string, error) {
	method = strings.ToUpper(method)
	if method != http.MethodGet && method != http.MethodPost {
		return nil, "", errors.Errorf("query requests are sent as GET or POST, not %s", method)
	}
	req, err := signRequest(method, rawURL)
	if err != nil {
		return nil, "", err
	}
	if method == http.MethodPost {
		req.Body = []byte(req.URL.RawQuery)
		req.URL.RawQuery = ""
	}
	if err := awssig.NewQuerySigner(creds, clock).Filter(ctx, req); err != nil {
		return nil, "", err
	}

	encoded := req.URL.RawQuery
	if method == http.MethodPost {
		encoded = string(req.Body)
	}
	params, err := url.ParseQuery(encoded)
	if err != nil {
		return nil, "", err
	}
	params.Del("Signature")
	return req, awssig.StringToSignQuery(req.Method, req.Host(), req.Path(), params), nil
}

var signQueryCmd = &cobra.Command{
	Use:   "query URL",
	Short: "Sign an AWS Query API request (signature version 2)",
	Long: `Sign the parameters in URL's query string, e.g.
"https://ec2.amazonaws.com/?Action=DescribeInstances&Version=2011-05-15".
With -X POST the signed parameters are printed as a form body.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		clock, err := signClock()
		if err != nil {
			return err
		}
		req, sts, err := signQuery(cmd.Context(), signCmdConfig.method, args[0], awsCreds(), clock)
		if err != nil {
			return err
		}

		fmt.Printf("String to sign:\n%s\n\n", sts)
		if req.Method == http.MethodPost {
			fmt.Printf("POST %s\n", req.URL.String())
			fmt.Printf("Content-Type: %s\n\n", req.Header.Get("Content-Type"))
			fmt.Printf("%s\n", req.Body)
			return nil
		}
		fmt.Printf("Signed URL: %s\n", req.URL.String())
		return nil
	},
}

var signAzureCmd = &cobra.Command{
	Use:   "azure URL",
	Short: "Sign an Azure Storage request with SharedKeyLite",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		clock, err := signClock()
		if err != nil {
			return err
		}
		req, err := signRequest(signCmdConfig.method, args[0])
		if err != nil {
			return err
		}
		signer, err := azuresig.NewSharedKeyLite(signCmdConfig.account, signCmdConfig.key, clock)
		if err != nil {
			return err
		}
		if err := signer.Filter(cmd.Context(), req); err != nil {
			return err
		}
		fmt.Printf("String to sign:\n%s\n\n", azuresig.StringToSign(req, signCmdConfig.account))
		fmt.Printf("x-ms-date: %s\n", req.Header.Get("x-ms-date"))
		fmt.Printf("Authorization: %s\n", req.Header.Get("Authorization"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(signCmd)
	signCmd.AddCommand(signS3Cmd)
	signCmd.AddCommand(signQueryCmd)
	signCmd.AddCommand(signAzureCmd)

	flags := signCmd.PersistentFlags()
	flags.StringVarP(&signCmdConfig.method, "method", "X", http.MethodGet, "request method")
	flags.StringVarP(&signCmdConfig.headers, "headers", "H", "", "request headers: name1=value1,name2=value2")
	flags.StringVar(&signCmdConfig.date, "date", "", "sign as of this time, e.g. \""+time.Date(2011, 10, 3, 15, 19, 36, 0, time.UTC).Format(http.TimeFormat)+"\"")

	for _, c := range []*cobra.Command{signS3Cmd, signQueryCmd} {
		c.Flags().StringVar(&signCmdConfig.accessKey, "access-key", "", "access key id")
		c.Flags().StringVar(&signCmdConfig.secretKey, "secret-key", "", "secret access key")
	}
	signS3Cmd.Flags().StringVar(&signCmdConfig.serviceHost, "service-host", "s3.amazonaws.com", "host of the virtual hosted endpoint, empty for path-style URLs")
	signAzureCmd.Flags().StringVar(&signCmdConfig.account, "account", "", "storage account")
	signAzureCmd.Flags().StringVar(&signCmdConfig.key, "key", "", "storage account key (base64)")
}
