package kms

import (
	"context"
	"encoding/base64"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/pkg/errors"
)

type awsProvider struct {
	kmsClient *kms.Client
	smClient  *secretsmanager.Client
	keyID     string
}

func newAWSProvider(ctx context.Context, opts Options) (*awsProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(opts.AWSRegion))
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		kmsClient: kms.NewFromConfig(cfg),
		smClient:  secretsmanager.NewFromConfig(cfg),
		keyID:     orDefault(opts.AWSKeyID, "alias/secretboard-seal"),
	}, nil
}
func (a *awsProvider) Name() string { return "aws-kms" }

func contextMap(encContext []byte) map[string]string {
	if len(encContext) == 0 {
		return nil
	}
	return map[string]string{"context": base64.StdEncoding.EncodeToString(encContext)}
}

func (a *awsProvider) EncryptWithContext(ctx context.Context, plaintext []byte, encContext []byte) ([]byte, error) {
	result, err := a.kmsClient.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             &a.keyID,
		Plaintext:         plaintext,
		EncryptionContext: contextMap(encContext),
	})
	if err != nil {
		return nil, errors.Wrap(err, "aws kms encrypt")
	}
	return result.CiphertextBlob, nil
}

func (a *awsProvider) DecryptWithContext(ctx context.Context, ciphertext []byte, encContext []byte) ([]byte, error) {
	result, err := a.kmsClient.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    ciphertext,
		EncryptionContext: contextMap(encContext),
	})
	if err != nil {
		return nil, errors.Wrap(err, "aws kms decrypt")
	}
	return result.Plaintext, nil
}

func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	result, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &key,
	})
	if err != nil {
		return "", errors.Wrapf(err, "get secret %s", key)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}
