/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package secretsmanager fetches grid credentials stored as a
// `username:password` secret in a cloud secret store.
package secretsmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gcpsecretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/keyvault/azsecrets"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var ErrInvalidSecret = errors.New("grid credentials secret must be formatted `username:password`")

type Credentials struct {
	Username string
	Password string
}

// Source names a secret in exactly one store.  The ID fields select the
// store; the companion field locates it.
type Source struct {
	AwsID     string
	AwsRegion string

	AzureID        string
	AzureVaultName string

	GcpID        string
	GcpProjectID string
}

func (s Source) IsZero() bool {
	return s.AwsID == "" && s.AzureID == "" && s.GcpID == ""
}

func (s Source) Validate() error {
	configured := 0
	if s.AwsID != "" {
		configured++
		if s.AwsRegion == "" {
			return errors.New("an aws region is required to fetch credentials from aws")
		}
	}
	if s.AzureID != "" {
		configured++
		if s.AzureVaultName == "" {
			return errors.New("a key vault name is required to fetch credentials from azure")
		}
	}
	if s.GcpID != "" {
		configured++
		if s.GcpProjectID == "" {
			return errors.New("a project id is required to fetch credentials from gcp")
		}
	}

	if configured > 1 {
		return errors.New("credentials can only be fetched from one secret store")
	}
	return nil
}

// Fetch reads the credentials from whichever store s names.
func Fetch(ctx context.Context, s Source) (*Credentials, error) {
	err := s.Validate()
	if err != nil {
		return nil, err
	}

	switch {
	case s.AwsID != "":
		return FetchAWSSecret(ctx, s.AwsID, s.AwsRegion)
	case s.AzureID != "":
		return FetchAzureSecret(ctx, s.AzureID, s.AzureVaultName)
	case s.GcpID != "":
		return FetchGcpSecret(ctx, s.GcpID, s.GcpProjectID)
	}

	return nil, errors.New("no secret store configured")
}

func FetchAWSSecret(ctx context.Context, secretId string, region string) (*Credentials, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default aws config: %w", err)
	}

	secrets := secretsmanager.NewFromConfig(cfg)
	res, err := secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &secretId})
	if err != nil {
		return nil, fmt.Errorf("failed to get aws secret: %w", err)
	}
	if res.SecretString == nil {
		return nil, fmt.Errorf("aws secret %s not a string", secretId)
	}

	return credsFromSecret(*res.SecretString)
}

func FetchAzureSecret(ctx context.Context, secretId string, keyVaultName string) (*Credentials, error) {
	vaultURI := fmt.Sprintf("https://%s.vault.azure.net/", keyVaultName)

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain azure credential: %w", err)
	}

	client, err := azsecrets.NewClient(vaultURI, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure client: %w", err)
	}

	// empty version is the latest
	resp, err := client.GetSecret(ctx, secretId, "", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get azure secret: %w", err)
	}
	if resp.Value == nil {
		return nil, fmt.Errorf("azure secret %s has no value", secretId)
	}

	return credsFromSecret(*resp.Value)
}

func FetchGcpSecret(ctx context.Context, secretId string, projectId string) (*Credentials, error) {
	client, err := gcpsecretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcp secretmanager client: %w", err)
	}
	defer client.Close()

	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectId, secretId),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get gcp secret: %w", err)
	}

	return credsFromSecret(string(result.GetPayload().GetData()))
}

// credsFromSecret splits on the first colon, so passwords may contain colons.
func credsFromSecret(secret string) (*Credentials, error) {
	username, password, ok := strings.Cut(strings.TrimSpace(secret), ":")
	if !ok || username == "" {
		return nil, ErrInvalidSecret
	}

	return &Credentials{
		Username: username,
		Password: password,
	}, nil
}
