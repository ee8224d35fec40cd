package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterRejectsVariadic(t *testing.T) {
	resetRegistry()
	_, err := Register(func(parts ...string) {}, WithName("app.tasks.joiner"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	resetRegistry()
	_, err := Register(func(a int) {}, WithName("app.tasks.dup"))
	require.NoError(t, err)

	_, err = Register(func(b string) {}, WithName("app.tasks.dup"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestRegisterDetectsMetadataHeadersDBsParameters(t *testing.T) {
	resetRegistry()
	task, err := Register(func(amount float64, meta TaskMetadata, h Headers, d DBs) error {
		return nil
	}, WithName("app.tasks.charge"))
	require.NoError(t, err)

	assert.True(t, task.AcceptsMetadata())
	assert.True(t, task.AcceptsHeaders())
	assert.True(t, task.acceptsDBs)
	assert.Equal(t, []int{0}, task.positionalIdx)
}

func TestRegisterMintsReplyToOnlyWhenFunctionReturnsAValue(t *testing.T) {
	resetRegistry()

	withReturn, err := Register(func(x float64) (float64, error) { return x * x, nil }, WithName("app.tasks.square"))
	require.NoError(t, err)
	assert.NotEmpty(t, withReturn.ReplyTo())
	assert.Equal(t, "square", withReturn.ReplyTo()[:6])

	noReturn, err := Register(func(x float64) error { return nil }, WithName("app.tasks.log_it"))
	require.NoError(t, err)
	assert.Empty(t, noReturn.ReplyTo())
}

func TestRegisterRejectsMalformedSchema(t *testing.T) {
	resetRegistry()
	_, err := Register(func(name string) error { return nil },
		WithName("app.tasks.greet"), WithSchema(`{"type": not-json}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSchema)
}

func TestFindByNameMissReturnsTaskNotFound(t *testing.T) {
	resetRegistry()
	_, err := FindByName("app.tasks.nonexistent")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestLastSegment(t *testing.T) {
	assert.Equal(t, "send_email", lastSegment("app.tasks.send_email"))
	assert.Equal(t, "send_email", lastSegment("send_email"))
}
