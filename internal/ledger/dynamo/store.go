// Package dynamo implements ledger.Store on a single DynamoDB table.
//
// All records share one table keyed by PK/SK:
//
//	USER#{id}        ACCOUNT           balance, welcomed, createdAt
//	USER#{id}        TXN#{seq:020d}    one transaction
//	PAYMENT#{id}     META              one payment
//	COUNTER          TXN | PAYMENT     monotonic id sequences
//
// Balance changes and their transaction rows are written together with
// TransactWriteItems; the debit carries a "balance >= :amt" condition, and
// MarkApplied is a conditional UpdateItem, so each operation stays a single
// indivisible step without any client-side locking.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/lookbook-bot/internal/ledger"
)

const (
	userPrefix    = "USER#"
	paymentPrefix = "PAYMENT#"
	skAccount     = "ACCOUNT"
	skTxnPrefix   = "TXN#"
	skMeta        = "META"
	pkCounter     = "COUNTER"
)

// API is the subset of the DynamoDB client the store uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store is the DynamoDB-backed ledger.
type Store struct {
	client    API
	tableName string
	now       func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// New creates a Store for the given table.
func New(client API, tableName string) *Store {
	return &Store{client: client, tableName: tableName, now: time.Now}
}

// accountRecord is the ACCOUNT item.
type accountRecord struct {
	UserID    int64 `dynamodbav:"userId"`
	Balance   int64 `dynamodbav:"balance"`
	Welcomed  bool  `dynamodbav:"welcomed"`
	CreatedAt int64 `dynamodbav:"createdAt"`
}

// txnRecord is a TXN# item.
type txnRecord struct {
	ID        int64  `dynamodbav:"id"`
	UserID    int64  `dynamodbav:"userId"`
	Kind      string `dynamodbav:"kind"`
	Amount    int64  `dynamodbav:"amount"`
	Meta      string `dynamodbav:"meta"`
	CreatedAt int64  `dynamodbav:"createdAt"`
}

// paymentRecord is a PAYMENT# item.
type paymentRecord struct {
	ID                int64  `dynamodbav:"id"`
	Provider          string `dynamodbav:"provider"`
	ProviderPaymentID string `dynamodbav:"providerPaymentId"`
	UserID            int64  `dynamodbav:"userId"`
	Credits           int64  `dynamodbav:"credits"`
	AmountMinor       int64  `dynamodbav:"amountMinor"`
	Currency          string `dynamodbav:"currency"`
	Status            string `dynamodbav:"status"`
	CreatedAt         int64  `dynamodbav:"createdAt"`
}

// --- Internal helpers ---

func userPK(userID int64) string {
	return userPrefix + strconv.FormatInt(userID, 10)
}

func paymentPK(providerPaymentID string) string {
	return paymentPrefix + providerPaymentID
}

func txnSK(seq int64) string {
	return fmt.Sprintf("%s%020d", skTxnPrefix, seq)
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func num(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

// marshalItem marshals data and sets PK and SK on the resulting item.
func marshalItem(pk, sk string, data interface{}) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}
	return item, nil
}

// getItem reads a single item with a consistent read. Returns false if absent.
func (s *Store) getItem(ctx context.Context, pk, sk string, out interface{}) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		Key:            key(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("GetItem PK=%s SK=%s: %w", pk, sk, err)
	}
	if result.Item == nil {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return false, fmt.Errorf("unmarshal PK=%s SK=%s: %w", pk, sk, err)
	}
	return true, nil
}

// nextSeq increments a named counter and returns the new value. Failed writes
// leave gaps, which keeps ids monotonic.
func (s *Store) nextSeq(ctx context.Context, name string) (int64, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       key(pkCounter, name),
		UpdateExpression:          aws.String("ADD seq :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":one": num(1)},
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("UpdateItem counter %s: %w", name, err)
	}
	var c struct {
		Seq int64 `dynamodbav:"seq"`
	}
	if err := attributevalue.UnmarshalMap(out.Attributes, &c); err != nil {
		return 0, fmt.Errorf("unmarshal counter %s: %w", name, err)
	}
	return c.Seq, nil
}

// txnPut builds the Put for a new transaction row.
func (s *Store) txnPut(ctx context.Context, userID int64, kind ledger.Kind, amount int64, meta string, at int64) (types.TransactWriteItem, error) {
	seq, err := s.nextSeq(ctx, "TXN")
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	item, err := marshalItem(userPK(userID), txnSK(seq), txnRecord{
		ID: seq, UserID: userID, Kind: string(kind), Amount: amount, Meta: meta, CreatedAt: at,
	})
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	return types.TransactWriteItem{Put: &types.Put{TableName: &s.tableName, Item: item}}, nil
}

// isConditionFailed reports whether err is a failed condition, either from a
// single-item write or from any item of a cancelled transaction.
func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, reason := range tce.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

// --- Account operations ---

func (s *Store) EnsureAccount(ctx context.Context, userID, welcome int64) (bool, int64, error) {
	if welcome < 0 {
		return false, 0, ledger.ErrInvalidAmount
	}
	now := s.now().UTC().UnixMilli()
	account, err := marshalItem(userPK(userID), skAccount, accountRecord{
		UserID: userID, Balance: welcome, Welcomed: welcome > 0, CreatedAt: now,
	})
	if err != nil {
		return false, 0, err
	}
	create := types.TransactWriteItem{Put: &types.Put{
		TableName:           &s.tableName,
		Item:                account,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	}}
	items := []types.TransactWriteItem{create}
	if welcome > 0 {
		bonus, err := s.txnPut(ctx, userID, ledger.KindBonus, welcome, ledger.MetaWelcome, now)
		if err != nil {
			return false, 0, fmt.Errorf("ensure account %d: %w", userID, err)
		}
		items = append(items, bonus)
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		log.Info().Int64("userId", userID).Int64("welcome", welcome).Msg("Account created")
		return true, welcome, nil
	}
	if !isConditionFailed(err) {
		return false, 0, fmt.Errorf("ensure account %d: %w", userID, err)
	}

	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return false, 0, err
	}
	return false, balance, nil
}

func (s *Store) Balance(ctx context.Context, userID int64) (int64, error) {
	var rec accountRecord
	found, err := s.getItem(ctx, userPK(userID), skAccount, &rec)
	if err != nil {
		return 0, fmt.Errorf("balance %d: %w", userID, err)
	}
	if !found {
		return 0, nil
	}
	return rec.Balance, nil
}

func (s *Store) AddCredits(ctx context.Context, userID, amount int64, kind ledger.Kind, reason string) error {
	if amount <= 0 {
		return nil
	}
	if err := ledger.CheckKind(kind); err != nil {
		return err
	}
	now := s.now().UTC().UnixMilli()
	txn, err := s.txnPut(ctx, userID, kind, amount, reason, now)
	if err != nil {
		return fmt.Errorf("add credits %d: %w", userID, err)
	}
	credit := types.TransactWriteItem{Update: &types.Update{
		TableName: &s.tableName,
		Key:       key(userPK(userID), skAccount),
		UpdateExpression: aws.String(
			"SET balance = if_not_exists(balance, :zero) + :amt, userId = :uid, " +
				"welcomed = if_not_exists(welcomed, :false), createdAt = if_not_exists(createdAt, :now)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero":  num(0),
			":amt":   num(amount),
			":uid":   num(userID),
			":false": &types.AttributeValueMemberBOOL{Value: false},
			":now":   num(now),
		},
	}}
	if _, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{credit, txn},
	}); err != nil {
		return fmt.Errorf("add credits %d: %w", userID, err)
	}
	return nil
}

func (s *Store) SpendCredits(ctx context.Context, userID, amount int64, reason string) (bool, error) {
	if amount <= 0 {
		return false, ledger.ErrInvalidAmount
	}
	if reason == "" {
		reason = ledger.MetaImage
	}
	txn, err := s.txnPut(ctx, userID, ledger.KindSpend, -amount, reason, s.now().UTC().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("spend credits %d: %w", userID, err)
	}
	debit := types.TransactWriteItem{Update: &types.Update{
		TableName:           &s.tableName,
		Key:                 key(userPK(userID), skAccount),
		UpdateExpression:    aws.String("SET balance = balance - :amt"),
		ConditionExpression: aws.String("attribute_exists(PK) AND balance >= :amt"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":amt": num(amount),
		},
	}}
	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{debit, txn},
	})
	if err == nil {
		return true, nil
	}
	if isConditionFailed(err) {
		return false, nil
	}
	return false, fmt.Errorf("spend credits %d: %w", userID, err)
}

// --- Payment operations ---

func (s *Store) RegisterPayment(ctx context.Context, p ledger.NewPayment) error {
	p.ProviderPaymentID = ledger.PaymentID(p.ProviderPaymentID)
	if err := p.Validate(); err != nil {
		return err
	}
	seq, err := s.nextSeq(ctx, "PAYMENT")
	if err != nil {
		return fmt.Errorf("register payment %s: %w", p.ProviderPaymentID, err)
	}
	item, err := marshalItem(paymentPK(p.ProviderPaymentID), skMeta, paymentRecord{
		ID:                seq,
		Provider:          ledger.ProviderYooKassa,
		ProviderPaymentID: p.ProviderPaymentID,
		UserID:            p.UserID,
		Credits:           p.Credits,
		AmountMinor:       p.AmountMinor,
		Currency:          p.Currency,
		Status:            string(ledger.PaymentNew),
		CreatedAt:         s.now().UTC().UnixMilli(),
	})
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("register payment %s: %w", p.ProviderPaymentID, err)
	}
	return nil
}

func (s *Store) SetPaymentStatus(ctx context.Context, providerPaymentID string, status ledger.PaymentStatus) error {
	providerPaymentID = ledger.PaymentID(providerPaymentID)
	if err := ledger.CheckSettableStatus(status); err != nil {
		return err
	}
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 key(paymentPK(providerPaymentID), skMeta),
		UpdateExpression:    aws.String("SET #s = :s"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #s <> :applied"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status", // reserved word
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s":       &types.AttributeValueMemberS{Value: string(status)},
			":applied": &types.AttributeValueMemberS{Value: string(ledger.PaymentApplied)},
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("set payment %s status: %w", providerPaymentID, err)
	}
	return nil
}

func (s *Store) MarkApplied(ctx context.Context, providerPaymentID string) (*ledger.Applied, error) {
	providerPaymentID = ledger.PaymentID(providerPaymentID)
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 key(paymentPK(providerPaymentID), skMeta),
		UpdateExpression:    aws.String("SET #s = :applied"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #s <> :applied"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":applied": &types.AttributeValueMemberS{Value: string(ledger.PaymentApplied)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("mark payment %s applied: %w", providerPaymentID, err)
	}
	var rec paymentRecord
	if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal payment %s: %w", providerPaymentID, err)
	}
	return &ledger.Applied{UserID: rec.UserID, Credits: rec.Credits}, nil
}

// --- Reads ---

func (s *Store) Transactions(ctx context.Context, userID int64, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = ledger.DefaultListLimit
	}
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
			":prefix": &types.AttributeValueMemberS{Value: skTxnPrefix},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("Query transactions %d: %w", userID, err)
	}
	var records []txnRecord
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &records); err != nil {
		return nil, fmt.Errorf("unmarshal transactions %d: %w", userID, err)
	}
	txns := make([]ledger.Transaction, 0, len(records))
	for _, r := range records {
		txns = append(txns, ledger.Transaction{
			ID:        r.ID,
			UserID:    r.UserID,
			Kind:      ledger.Kind(r.Kind),
			Amount:    r.Amount,
			Meta:      r.Meta,
			CreatedAt: time.UnixMilli(r.CreatedAt).UTC(),
		})
	}
	return txns, nil
}

func (s *Store) Payment(ctx context.Context, providerPaymentID string) (*ledger.Payment, error) {
	providerPaymentID = ledger.PaymentID(providerPaymentID)
	var rec paymentRecord
	found, err := s.getItem(ctx, paymentPK(providerPaymentID), skMeta, &rec)
	if err != nil {
		return nil, fmt.Errorf("get payment %s: %w", providerPaymentID, err)
	}
	if !found {
		return nil, nil
	}
	return &ledger.Payment{
		ID:                rec.ID,
		Provider:          rec.Provider,
		ProviderPaymentID: rec.ProviderPaymentID,
		UserID:            rec.UserID,
		Credits:           rec.Credits,
		AmountMinor:       rec.AmountMinor,
		Currency:          rec.Currency,
		Status:            ledger.PaymentStatus(rec.Status),
		CreatedAt:         time.UnixMilli(rec.CreatedAt).UTC(),
	}, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *Store) Close() error { return nil }
