package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/aliyun/credentials-go/credentials"

	"github.com/commission-vm/config"
)

const defaultSignExpiry = 24 * time.Hour

// OSS uploads through the internal endpoint and signs download URLs on the public one.
type OSS struct {
	uploadBucket *oss.Bucket
	signBucket   *oss.Bucket
	cred         credentials.Credential

	prefix     string
	publicBase string
	signExpiry time.Duration
}

func NewOSS(cfg config.BlobConfig) (*OSS, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("oss bucket is not configured")
	}
	internal, public := strings.TrimSpace(cfg.Endpoint), strings.TrimSpace(cfg.PublicHost)
	if internal == "" && public == "" {
		return nil, errors.New("oss bucket set but no endpoint configured")
	}
	if public == "" {
		public = internal
	}
	if internal == "" {
		internal = public
	}

	cred, err := newAlibabaCredential(cfg.Region)
	if err != nil {
		return nil, fmt.Errorf("init alibaba credentials failed: %w", err)
	}
	if err := validateCredential(cred); err != nil {
		return nil, err
	}
	provider := &credentialsProvider{cred: cred}

	uploadClient, err := newOSSClient(internal, cfg.Region, provider)
	if err != nil {
		return nil, fmt.Errorf("init oss upload client failed: %w", err)
	}
	signClient, err := newOSSClient(public, cfg.Region, provider)
	if err != nil {
		return nil, fmt.Errorf("init oss sign client failed: %w", err)
	}
	ub, err := uploadClient.Bucket(bucket)
	if err != nil {
		return nil, fmt.Errorf("open oss bucket(upload) failed: %w", err)
	}
	sb, err := signClient.Bucket(bucket)
	if err != nil {
		return nil, fmt.Errorf("open oss bucket(sign) failed: %w", err)
	}

	expiry := cfg.SignExpiry.Std()
	if expiry <= 0 {
		expiry = defaultSignExpiry
	}
	return &OSS{
		uploadBucket: ub,
		signBucket:   sb,
		cred:         cred,
		prefix:       strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		publicBase:   strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/"),
		signExpiry:   expiry,
	}, nil
}

func (s *OSS) Put(_ context.Context, key, localPath, contentType string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if s.prefix != "" {
		key = path.Join(s.prefix, key)
	}
	if err := validateCredential(s.cred); err != nil {
		return "", err
	}
	var opts []oss.Option
	if contentType != "" {
		opts = append(opts, oss.ContentType(contentType))
	}
	if err := s.uploadBucket.PutObjectFromFile(key, localPath, opts...); err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	if s.publicBase != "" {
		return s.publicBase + "/" + key, nil
	}
	u, err := s.signBucket.SignURL(key, oss.HTTPGet, int64(s.signExpiry.Seconds()))
	if err != nil {
		return "", fmt.Errorf("sign url %s: %w", key, err)
	}
	return u, nil
}

func newOSSClient(endpoint, region string, provider oss.CredentialsProvider) (*oss.Client, error) {
	opts := []oss.ClientOption{
		oss.SetCredentialsProvider(provider),
		oss.AuthVersion(oss.AuthV4),
	}
	if strings.TrimSpace(region) != "" {
		opts = append(opts, oss.Region(region))
	}
	return oss.New(endpoint, "", "", opts...)
}

// newAlibabaCredential prefers RRSA (OIDC role) when its variables are present and falls
// back to the default chain (env AK, profile, instance role).
func newAlibabaCredential(region string) (credentials.Credential, error) {
	roleArn := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_ROLE_ARN"))
	providerArn := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_OIDC_PROVIDER_ARN"))
	tokenFile := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_OIDC_TOKEN_FILE"))
	if roleArn == "" || providerArn == "" || tokenFile == "" {
		return credentials.NewCredential(nil)
	}
	cfg := new(credentials.Config).
		SetType("oidc_role_arn").
		SetRoleArn(roleArn).
		SetOIDCProviderArn(providerArn).
		SetOIDCTokenFilePath(tokenFile)
	sts := strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_STS_ENDPOINT"))
	if sts == "" {
		sts = "sts.aliyuncs.com"
		if r := strings.TrimSpace(region); r != "" {
			sts = "sts." + r + ".aliyuncs.com"
		}
	}
	cfg.SetSTSEndpoint(sts)
	return credentials.NewCredential(cfg)
}

func validateCredential(cred credentials.Credential) error {
	if cred == nil {
		return errors.New("alibaba cloud credential not initialized")
	}
	c, err := cred.GetCredential()
	if err != nil {
		return fmt.Errorf("get alibaba cloud credential: %w", err)
	}
	if c == nil || deref(c.AccessKeyId) == "" || deref(c.AccessKeySecret) == "" {
		return errors.New("alibaba cloud credential is empty")
	}
	return nil
}

// credentialsProvider adapts credentials-go to the OSS SDK provider interface.
type credentialsProvider struct {
	cred credentials.Credential
}

type ossCred struct {
	accessKeyID     string
	accessKeySecret string
	securityToken   string
}

func (c *ossCred) GetAccessKeyID() string     { return c.accessKeyID }
func (c *ossCred) GetAccessKeySecret() string { return c.accessKeySecret }
func (c *ossCred) GetSecurityToken() string   { return c.securityToken }

func (p *credentialsProvider) GetCredentials() oss.Credentials {
	out, err := p.cred.GetCredential()
	if err != nil || out == nil {
		// The SDK interface has no error return; empty keys make the request fail visibly.
		return &ossCred{}
	}
	return &ossCred{
		accessKeyID:     deref(out.AccessKeyId),
		accessKeySecret: deref(out.AccessKeySecret),
		securityToken:   deref(out.SecurityToken),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// New picks the backend named by cfg.Backend.
func New(cfg config.BlobConfig) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return &Local{Dir: cfg.LocalDir, BaseURL: cfg.PublicBaseURL}, nil
	case "oss":
		return NewOSS(cfg)
	}
	return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
}
