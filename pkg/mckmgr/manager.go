package mckmgr

import (
	"crypto/tls"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/serverlessresearch/mck/pkg/awsquery"
	"github.com/serverlessresearch/mck/pkg/awssig"
	"github.com/serverlessresearch/mck/pkg/azureblob"
	"github.com/serverlessresearch/mck/pkg/ec2"
	"github.com/serverlessresearch/mck/pkg/elb"
	"github.com/serverlessresearch/mck/pkg/emulator"
	"github.com/serverlessresearch/mck/pkg/filesystem"
	"github.com/serverlessresearch/mck/pkg/keystone"
	"github.com/serverlessresearch/mck/pkg/mck"
	"github.com/serverlessresearch/mck/pkg/nova"
	"github.com/serverlessresearch/mck/pkg/rest"
	"github.com/serverlessresearch/mck/pkg/s3"
	"github.com/serverlessresearch/mck/pkg/swift"
	"github.com/serverlessresearch/mck/pkg/transient"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type MckManager struct {
	Provider *mck.Provider
	Logger   mck.Logger
	Cfg      *viper.Viper

	// shared by swift and nova so they use one token
	tokens *keystone.TokenCache
}

func NewManager(userCfg map[string]interface{}) (*MckManager, error) {
	var err error
	mgr := &MckManager{}

	if cfgPathRaw, ok := userCfg["config-file"]; ok {
		if cfgPath, ok := cfgPathRaw.(string); ok {
			err = mgr.initConfig(&cfgPath)
		} else {
			return nil, errors.New("option 'config-file' must be of type string")
		}
	} else {
		err = mgr.initConfig(nil)
	}
	if err != nil {
		return nil, err
	}

	if loggerRaw, ok := userCfg["logger"]; ok {
		if logger, ok := loggerRaw.(mck.Logger); ok {
			mgr.Logger = logger
		} else {
			return nil, errors.New("option 'logger' must satisfy mck.Logger")
		}
	} else {
		mgr.Logger = logrus.New()
	}

	mgr.Provider = &mck.Provider{}
	if err := mgr.initServices(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (self *MckManager) Destroy() {
	self.Provider.Destroy()
}

func (self *MckManager) initConfig(cfgPath *string) error {
	// This is a private viper context just for mck (so as not to conflict with
	// the importer's usage).
	self.Cfg = viper.New()

	self.Cfg.SetDefault("http.max-retries", 5)
	self.Cfg.SetDefault("http.retry-initial-interval", "50ms")
	self.Cfg.SetDefault("http.retry-max-interval", "5s")
	self.Cfg.SetDefault("http.timeout", "60s")

	// Order of precedence: ENV, mck.yaml, "us-east-1"
	for _, key := range []string{"service.blob.s3.region", "service.compute.ec2.region", "service.loadbalancer.elb.region"} {
		self.Cfg.SetDefault(key, s3.DefaultRegion)
		self.Cfg.BindEnv(key, "AWS_DEFAULT_REGION")
	}
	self.Cfg.SetDefault("service.blob.s3.signer", "v2")
	self.Cfg.SetDefault("service.keystone.version", "v2")

	self.Cfg.SetDefault("emulator.addr", "127.0.0.1:4567")
	self.Cfg.SetDefault("emulator.token-ttl", emulator.DefaultTokenTTL)

	if cfgPath != nil {
		self.Cfg.SetConfigFile(*cfgPath)
	} else {
		// default search path for config is ./configs/mck.* (* can be json, yaml, etc)
		self.Cfg.AddConfigPath("./configs")
		self.Cfg.SetConfigName("mck")
	}

	if err := self.Cfg.ReadInConfig(); err != nil {
		return errors.Wrap(err, "Failed to load config")
	}
	return nil
}

// sub returns the config section at key, empty rather than nil when missing.
func (self *MckManager) sub(key string) *viper.Viper {
	if v := self.Cfg.Sub(key); v != nil {
		return v
	}
	return viper.New()
}

// RESTClient returns a request executor configured from the http section,
// logging as module.
func (self *MckManager) RESTClient(module string) (*rest.Client, error) {
	opts := rest.DefaultOptions()
	opts.MaxRetries = self.Cfg.GetInt("http.max-retries")
	opts.InitialInterval = self.Cfg.GetDuration("http.retry-initial-interval")
	opts.MaxInterval = self.Cfg.GetDuration("http.retry-max-interval")
	opts.Timeout = self.Cfg.GetDuration("http.timeout")

	// trust the emulator's CA
	if caDir := self.Cfg.GetString("http.ca-dir"); caDir != "" {
		caDir, err := homedir.Expand(caDir)
		if err != nil {
			return nil, err
		}
		_, pool, err := mck.LoadCertificates(caDir, nil)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to load CA from "+caDir)
		}
		opts.Transport = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{RootCAs: pool},
		}
	}
	return rest.NewClient(self.Logger.WithField("module", module), opts), nil
}

func (self *MckManager) initServices() error {
	providerName := self.Cfg.GetString("default-provider")
	if providerName == "" {
		return errors.New("No default provider in configuration")
	}
	if !self.Cfg.IsSet("providers." + providerName) {
		return errors.New("Provider \"" + providerName + "\" is not configured")
	}

	if name := self.Cfg.GetString("providers." + providerName + ".blob"); name != "" {
		if err := self.initBlobService(name); err != nil {
			return errors.Wrap(err, "Failed to initialize service "+name)
		}
	}
	if name := self.Cfg.GetString("providers." + providerName + ".compute"); name != "" {
		if err := self.initComputeService(name); err != nil {
			return errors.Wrap(err, "Failed to initialize service "+name)
		}
	}
	if name := self.Cfg.GetString("providers." + providerName + ".loadbalancer"); name != "" {
		if err := self.initLoadBalancerService(name); err != nil {
			return errors.Wrap(err, "Failed to initialize service "+name)
		}
	}
	return nil
}

func (self *MckManager) initBlobService(serviceName string) error {
	module := "blob." + strings.ToLower(serviceName)
	log := self.Logger.WithField("module", module)
	cfg := self.sub("service.blob." + serviceName)

	switch serviceName {
	case "transient":
		self.Provider.Blob = transient.New(log, nil)
		return nil
	case "filesystem":
		baseDir, err := homedir.Expand(cfg.GetString("basedir"))
		if err != nil {
			return err
		}
		self.Provider.Blob, err = filesystem.New(log, nil, filesystem.Config{BaseDir: baseDir})
		return err
	case "s3":
		client, err := self.RESTClient(module)
		if err != nil {
			return err
		}
		creds, err := awsCredentials(cfg)
		if err != nil {
			return err
		}
		self.Provider.Blob, err = s3.New(log, client, s3.Config{
			Endpoint:  cfg.GetString("endpoint"),
			Region:    self.Cfg.GetString("service.blob.s3.region"),
			Signer:    self.Cfg.GetString("service.blob.s3.signer"),
			PathStyle: cfg.GetBool("path-style"),
			Creds:     creds,
		})
		return err
	case "azureBlob":
		client, err := self.RESTClient(module)
		if err != nil {
			return err
		}
		self.Provider.Blob, err = azureblob.New(log, client, azureblob.Config{
			Account:  cfg.GetString("account"),
			Key:      cfg.GetString("key"),
			Endpoint: cfg.GetString("endpoint"),
		})
		return err
	case "swift":
		client, err := self.RESTClient(module)
		if err != nil {
			return err
		}
		tokens, err := self.tokenCache()
		if err != nil {
			return err
		}
		self.Provider.Blob = swift.New(log, client, tokens, swift.Config{
			Region:     cfg.GetString("region"),
			StorageURL: cfg.GetString("storage-url"),
		})
		return nil
	}
	return errors.New("Unrecognized blob service: " + serviceName)
}

func (self *MckManager) initComputeService(serviceName string) error {
	module := "compute." + strings.ToLower(serviceName)
	log := self.Logger.WithField("module", module)
	cfg := self.sub("service.compute." + serviceName)

	switch serviceName {
	case "ec2":
		client, err := self.queryClient(module, "ec2", "service.compute.ec2", ec2.APIVersion)
		if err != nil {
			return err
		}
		self.Provider.Compute = ec2.New(log, client, ec2.Config{
			DefaultImage:    cfg.GetString("default-image"),
			DefaultHardware: cfg.GetString("default-hardware"),
			ImageOwners:     cfg.GetStringSlice("image-owners"),
		})
		return nil
	case "nova":
		client, err := self.RESTClient(module)
		if err != nil {
			return err
		}
		tokens, err := self.tokenCache()
		if err != nil {
			return err
		}
		self.Provider.Compute = nova.New(log, client, tokens, nova.Config{
			Region:        cfg.GetString("region"),
			ComputeURL:    cfg.GetString("compute-url"),
			DefaultImage:  cfg.GetString("default-image"),
			DefaultFlavor: cfg.GetString("default-flavor"),
		})
		return nil
	}
	return errors.New("Unrecognized compute service: " + serviceName)
}

func (self *MckManager) initLoadBalancerService(serviceName string) error {
	module := "loadbalancer." + strings.ToLower(serviceName)

	switch serviceName {
	case "elb":
		client, err := self.queryClient(module, "elasticloadbalancing", "service.loadbalancer.elb", elb.APIVersion)
		if err != nil {
			return err
		}
		self.Provider.LoadBalancer = elb.New(self.Logger.WithField("module", module), client)
		return nil
	}
	return errors.New("Unrecognized load balancer service: " + serviceName)
}

// queryClient builds an AWS Query API client from the section at key. The
// endpoint comes from the config or, failing that, from the SDK's endpoint
// table. Region is read through the root so AWS_DEFAULT_REGION applies.
func (self *MckManager) queryClient(module, service, key, version string) (*awsquery.Client, error) {
	cfg := self.sub(key)
	client, err := self.RESTClient(module)
	if err != nil {
		return nil, err
	}
	creds, err := awsCredentials(cfg)
	if err != nil {
		return nil, err
	}
	endpoint := cfg.GetString("endpoint")
	if endpoint == "" {
		if endpoint, _, err = awssig.ResolveEndpoint(service, self.Cfg.GetString(key+".region")); err != nil {
			return nil, err
		}
	}
	return awsquery.New(client, endpoint, version, awssig.NewQuerySigner(creds, nil)), nil
}

// awsCredentials reads access-key/secret-key, falling back to the
// environment and the shared credentials file.
func awsCredentials(cfg *viper.Viper) (*credentials.Credentials, error) {
	file, err := homedir.Expand(cfg.GetString("credentials-file"))
	if err != nil {
		return nil, errors.Wrap(err, "Invalid credentials-file")
	}
	return awssig.NewCredentials(awssig.CredentialsConfig{
		AccessKey:    cfg.GetString("access-key"),
		SecretKey:    cfg.GetString("secret-key"),
		SessionToken: cfg.GetString("session-token"),
		File:         file,
		Profile:      cfg.GetString("profile"),
	}), nil
}

// tokenCache authenticates against the keystone section, creating the
// cache on first use.
func (self *MckManager) tokenCache() (*keystone.TokenCache, error) {
	if self.tokens != nil {
		return self.tokens, nil
	}
	cfg := self.sub("service.keystone")
	client, err := self.RESTClient("keystone")
	if err != nil {
		return nil, err
	}

	authURL := cfg.GetString("auth-url")
	if authURL == "" {
		return nil, errors.New("service.keystone.auth-url is required")
	}
	var auth keystone.Authenticator
	switch version := self.Cfg.GetString("service.keystone.version"); version {
	case "v1":
		auth = keystone.NewV1Authenticator(client, authURL, cfg.GetString("identity"), cfg.GetString("secret"), nil)
	case "v2":
		auth = keystone.NewV2Authenticator(client, authURL, keystone.Credentials{
			Type:       cfg.GetString("credential-type"),
			Identity:   cfg.GetString("identity"),
			Secret:     cfg.GetString("secret"),
			TenantName: cfg.GetString("tenant-name"),
			TenantID:   cfg.GetString("tenant-id"),
		})
	default:
		return nil, errors.Errorf("Unrecognized keystone version %q", version)
	}
	self.tokens = keystone.NewTokenCache(auth, nil, self.Logger.WithField("module", "keystone"))
	if timeout := self.Cfg.GetDuration("http.timeout"); timeout > 0 {
		self.tokens.Timeout = timeout
	}
	return self.tokens, nil
}

type emulatorKey struct {
	AccessKey string `mapstructure:"access-key"`
	SecretKey string `mapstructure:"secret-key"`
	Account   string `mapstructure:"account"`
	Key       string `mapstructure:"key"`
}

// EmulatorConfig reads the emulator section. Keys are given as lists since
// viper lowercases map keys and access key ids are case sensitive.
func (self *MckManager) EmulatorConfig() (emulator.Config, error) {
	cfg := emulator.Config{
		AWSKeys:       map[string]string{},
		AzureAccounts: map[string]string{},
		TokenTTL:      self.Cfg.GetDuration("emulator.token-ttl"),
	}

	var keys []emulatorKey
	if err := self.Cfg.UnmarshalKey("emulator.aws-keys", &keys); err != nil {
		return cfg, errors.Wrap(err, "Invalid emulator.aws-keys")
	}
	for _, k := range keys {
		cfg.AWSKeys[k.AccessKey] = k.SecretKey
	}

	keys = nil
	if err := self.Cfg.UnmarshalKey("emulator.azure-accounts", &keys); err != nil {
		return cfg, errors.Wrap(err, "Invalid emulator.azure-accounts")
	}
	for _, k := range keys {
		cfg.AzureAccounts[k.Account] = k.Key
	}

	if err := self.Cfg.UnmarshalKey("emulator.users", &cfg.Users); err != nil {
		return cfg, errors.Wrap(err, "Invalid emulator.users")
	}
	return cfg, nil
}
